package control

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"marketcore/internal/apperr"
	"marketcore/internal/bot"
	"marketcore/internal/candlestore"
	"marketcore/internal/metrics"
	"marketcore/internal/model"
)

type fakeCandleReader struct {
	candles []model.Candle
	latest  *model.Candle
	err     error
}

func (f *fakeCandleReader) Range(ctx context.Context, symbol string, tf model.Timeframe, fromTS, toTS *int64, limit int) ([]model.Candle, error) {
	return f.candles, f.err
}

func (f *fakeCandleReader) Latest(ctx context.Context, symbol string, tf model.Timeframe) (*model.Candle, error) {
	return f.latest, f.err
}

type fakeMerger struct {
	pred model.MergedPrediction
	err  error
}

func (f *fakeMerger) Merge(ctx context.Context, symbol string, tf model.Timeframe, horizonMinutes int, selectedBots []string) (model.MergedPrediction, error) {
	return f.pred, f.err
}

type fakePredictionReader struct {
	pred *model.MergedPrediction
	err  error
}

func (f *fakePredictionReader) Fetch(ctx context.Context, id int64) (*model.MergedPrediction, error) {
	return f.pred, f.err
}

func (f *fakePredictionReader) Latest(ctx context.Context, symbol string, tf model.Timeframe) (*model.MergedPrediction, error) {
	return f.pred, f.err
}

type fakeWSHandler struct{}

func (fakeWSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {}

// slowTrainBot blocks inside Train until released, so enqueued jobs stay
// non-terminal for the duration of a test instead of racing to completed
// or failed before the assertions run.
type slowTrainBot struct{ release chan struct{} }

func (b *slowTrainBot) Name() string { return "ma_projection" }
func (b *slowTrainBot) Predict(ctx context.Context, candles []model.Candle, horizonMinutes int, tf model.Timeframe) (model.ForecastSeries, float64, map[string]any, error) {
	return nil, 0, nil, nil
}
func (b *slowTrainBot) Train(ctx context.Context, candles []model.Candle, config map[string]any) (map[string]float64, string, error) {
	<-b.release
	return map[string]float64{}, "blob", nil
}

func newTestSurface(t *testing.T) *Surface {
	t.Helper()
	store, err := candlestore.Open(context.Background(), candlestore.Config{DBPath: filepath.Join(t.TempDir(), "c.db")}, nil)
	if err != nil {
		t.Fatalf("open candlestore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	registry := bot.NewRegistry(t.TempDir())
	registry.Register(&slowTrainBot{release: release})
	queue := bot.NewTrainingQueue(registry, store, 1, nil, nil)
	queue.Start(context.Background())

	return &Surface{
		Candles:               &fakeCandleReader{},
		Merger:                &fakeMerger{},
		Predictions:           &fakePredictionReader{},
		Training:              queue,
		Hub:                   fakeWSHandler{},
		Health:                metrics.NewHealthStatus(),
		DefaultHorizonMinutes: 180,
		AllowedOrigins:        []string{"*"},
	}
}

func TestHandleHistoryRequiresSymbolAndTimeframe(t *testing.T) {
	s := newTestSurface(t)
	r := NewRouter(s)

	req := httptest.NewRequest(http.MethodGet, "/history?timeframe=5m", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing symbol, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleHistoryRejectsUnknownTimeframe(t *testing.T) {
	s := newTestSurface(t)
	r := NewRouter(s)

	req := httptest.NewRequest(http.MethodGet, "/history?symbol=INFY.NS&timeframe=bogus", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown timeframe, got %d", w.Code)
	}
}

func TestHandleHistoryReturnsCandles(t *testing.T) {
	s := newTestSurface(t)
	now := time.Now()
	s.Candles = &fakeCandleReader{candles: []model.Candle{{Symbol: "INFY.NS", Timeframe: model.TF5m, StartTS: now, Close: 100}}}
	r := NewRouter(s)

	req := httptest.NewRequest(http.MethodGet, "/history?symbol=INFY.NS&timeframe=5m", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var got []model.Candle
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Symbol != "INFY.NS" {
		t.Fatalf("unexpected body: %+v", got)
	}
}

type fakeFetcher struct{ candles []model.Candle }

func (f *fakeFetcher) FetchCandles(ctx context.Context, symbol string, tf model.Timeframe, windowLabel string, bypassCache bool) ([]model.Candle, error) {
	return f.candles, nil
}

func TestHandleHistoryBypassCacheFetchesThroughGateway(t *testing.T) {
	s := newTestSurface(t)
	now := time.Now()
	s.Candles = &fakeCandleReader{} // left empty: a 200 proves the Gateway served it
	s.Gateway = &fakeFetcher{candles: []model.Candle{{Symbol: "INFY.NS", Timeframe: model.TF5m, StartTS: now, Close: 200}}}
	r := NewRouter(s)

	req := httptest.NewRequest(http.MethodGet, "/history?symbol=INFY.NS&timeframe=5m&bypass_cache=true", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var got []model.Candle
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Close != 200 {
		t.Fatalf("expected the gateway-fetched candle, got %+v", got)
	}
}

func TestHandleHistoryLatestReturnsNotFoundWhenNil(t *testing.T) {
	s := newTestSurface(t)
	r := NewRouter(s)

	req := httptest.NewRequest(http.MethodGet, "/history/latest?symbol=INFY.NS&timeframe=5m", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when no candle exists, got %d", w.Code)
	}
}

func TestHandlePredictionTriggerDefaultsHorizon(t *testing.T) {
	s := newTestSurface(t)
	captured := &fakeMerger{pred: model.MergedPrediction{Symbol: "INFY.NS", Timeframe: model.TF5m, HorizonMinutes: 180}}
	s.Merger = captured
	r := NewRouter(s)

	body, _ := json.Marshal(triggerRequest{Symbol: "INFY.NS", Timeframe: "5m"})
	req := httptest.NewRequest(http.MethodPost, "/prediction/trigger", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var got model.MergedPrediction
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.HorizonMinutes != 180 {
		t.Fatalf("expected default horizon 180, got %d", got.HorizonMinutes)
	}
}

func TestHandlePredictionTriggerPropagatesMergerError(t *testing.T) {
	s := newTestSurface(t)
	s.Merger = &fakeMerger{err: apperr.Wrap(apperr.KindTransient, "INFY.NS", "5m", apperr.ErrAllBotsRejected)}
	r := NewRouter(s)

	body, _ := json.Marshal(triggerRequest{Symbol: "INFY.NS", Timeframe: "5m"})
	req := httptest.NewRequest(http.MethodPost, "/prediction/trigger", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for transient merger error, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleTrainingEnqueueThenStatus(t *testing.T) {
	s := newTestSurface(t)
	r := NewRouter(s)

	body, _ := json.Marshal(enqueueRequest{Symbol: "INFY.NS", Timeframe: "5m", BotName: "ma_projection"})
	req := httptest.NewRequest(http.MethodPost, "/training/enqueue", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	statusReq := httptest.NewRequest(http.MethodGet, "/training/status", nil)
	statusW := httptest.NewRecorder()
	r.ServeHTTP(statusW, statusReq)
	if statusW.Code != http.StatusOK {
		t.Fatalf("expected 200 for status, got %d", statusW.Code)
	}
}

func TestHandleTrainingEnqueueRejectsDuplicate(t *testing.T) {
	s := newTestSurface(t)
	r := NewRouter(s)

	body, _ := json.Marshal(enqueueRequest{Symbol: "INFY.NS", Timeframe: "5m", BotName: "ma_projection"})

	first := httptest.NewRequest(http.MethodPost, "/training/enqueue", bytes.NewReader(body))
	r.ServeHTTP(httptest.NewRecorder(), first)

	second := httptest.NewRequest(http.MethodPost, "/training/enqueue", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, second)

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate enqueue, got %d: %s", w.Code, w.Body.String())
	}
}

func TestParseOptionalUnix(t *testing.T) {
	if got := parseOptionalUnix(""); got != nil {
		t.Fatalf("expected nil for empty string, got %v", got)
	}
	if got := parseOptionalUnix("not-a-number"); got != nil {
		t.Fatalf("expected nil for malformed input, got %v", got)
	}
	got := parseOptionalUnix("1700000000")
	if got == nil || *got != 1700000000 {
		t.Fatalf("expected 1700000000, got %v", got)
	}
}
