package merger

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"marketcore/internal/apperr"
	"marketcore/internal/bot"
	"marketcore/internal/model"
)

type fakeStore struct{ candles []model.Candle }

func (f *fakeStore) UpsertBatch(ctx context.Context, c []model.Candle) error { return nil }
func (f *fakeStore) Range(ctx context.Context, symbol string, tf model.Timeframe, fromTS, toTS *int64, limit int) ([]model.Candle, error) {
	return f.candles, nil
}
func (f *fakeStore) Latest(ctx context.Context, symbol string, tf model.Timeframe) (*model.Candle, error) {
	if len(f.candles) == 0 {
		return nil, nil
	}
	c := f.candles[len(f.candles)-1]
	return &c, nil
}
func (f *fakeStore) Close() error { return nil }

type fakeAudit struct {
	saved []model.MergedPrediction
}

func (a *fakeAudit) Save(ctx context.Context, p model.MergedPrediction) (int64, error) {
	a.saved = append(a.saved, p)
	return int64(len(a.saved)), nil
}
func (a *fakeAudit) Fetch(ctx context.Context, id int64) (*model.MergedPrediction, error) {
	return nil, nil
}
func (a *fakeAudit) Latest(ctx context.Context, symbol string, tf model.Timeframe) (*model.MergedPrediction, error) {
	return nil, nil
}
func (a *fakeAudit) List(ctx context.Context, symbol string, tf model.Timeframe, since *int64, limit int) ([]model.MergedPrediction, error) {
	return nil, nil
}
func (a *fakeAudit) Close() error { return nil }

type constantBot struct {
	name       string
	points     []float64
	confidence float64
}

func (b *constantBot) Name() string { return b.name }
func (b *constantBot) Predict(ctx context.Context, candles []model.Candle, horizonMinutes int, tf model.Timeframe) (model.ForecastSeries, float64, map[string]any, error) {
	now := time.Now()
	series := make(model.ForecastSeries, len(b.points))
	for i, p := range b.points {
		series[i] = model.SeriesPoint{TS: now.Add(time.Duration(i+1) * time.Minute), Price: p}
	}
	return series, b.confidence, nil, nil
}
func (b *constantBot) Train(ctx context.Context, candles []model.Candle, config map[string]any) (map[string]float64, string, error) {
	return nil, "", nil
}

func testCandles(lastClose float64) []model.Candle {
	now := time.Now()
	out := make([]model.Candle, 25)
	for i := range out {
		out[i] = model.Candle{
			Symbol: "INFY.NS", Timeframe: model.TF5m,
			StartTS: now.Add(time.Duration(i) * 5 * time.Minute),
			Open: lastClose, High: lastClose + 5, Low: lastClose - 5, Close: lastClose, Volume: 1000,
		}
	}
	out[len(out)-1].Close = lastClose
	return out
}

func TestMerge_RunawayBotSanitizedConfidencePenalized(t *testing.T) {
	store := &fakeStore{candles: testCandles(1500)}
	audit := &fakeAudit{}
	reg := bot.NewRegistry(t.TempDir())
	reg.Register(&constantBot{name: "normal", points: []float64{1501, 1502, 1503}, confidence: 0.9})
	reg.Register(&constantBot{name: "runaway", points: []float64{1510, 1600, 3000}, confidence: 0.9})

	mg := New(store, reg, audit, nil)

	pred, err := mg.Merge(context.Background(), "INFY.NS", model.TF5m, 3, nil)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}

	if pred.ValidationFlags["runaway"] != string(model.StatusSanitized) {
		t.Fatalf("expected runaway bot sanitized, got %q", pred.ValidationFlags["runaway"])
	}

	maxAllowed := 1500 * 1.15
	for _, p := range pred.MergedSeries {
		if p.Price > maxAllowed+1e-6 {
			t.Fatalf("merged point %v exceeds band high %v", p.Price, maxAllowed)
		}
	}

	if len(audit.saved) != 1 {
		t.Fatalf("expected prediction persisted exactly once, got %d", len(audit.saved))
	}
}

func TestMerge_WeightsSumToOne(t *testing.T) {
	store := &fakeStore{candles: testCandles(1500)}
	audit := &fakeAudit{}
	reg := bot.NewRegistry(t.TempDir())
	reg.Register(&constantBot{name: "a", points: []float64{1501, 1502}, confidence: 0.6})
	reg.Register(&constantBot{name: "b", points: []float64{1503, 1504}, confidence: 0.3})

	mg := New(store, reg, audit, nil)
	pred, err := mg.Merge(context.Background(), "INFY.NS", model.TF5m, 2, nil)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}

	sum := 0.0
	for _, c := range pred.BotContributions {
		if c.Status == model.StatusValid || c.Status == model.StatusSanitized {
			sum += c.Weight
		}
	}
	if math.Abs(sum-1.0) > 1e-6 {
		t.Fatalf("expected retained weights to sum to 1, got %v", sum)
	}
}

func TestMerge_AllBotsRejectedNotPersisted(t *testing.T) {
	store := &fakeStore{candles: testCandles(1500)}
	audit := &fakeAudit{}
	reg := bot.NewRegistry(t.TempDir())
	reg.Register(&constantBot{name: "empty", points: nil, confidence: 0.9})

	mg := New(store, reg, audit, nil)
	_, err := mg.Merge(context.Background(), "INFY.NS", model.TF5m, 3, nil)
	if !errors.Is(err, apperr.ErrAllBotsRejected) {
		t.Fatalf("expected all_bots_rejected, got %v", err)
	}
	if len(audit.saved) != 0 {
		t.Fatal("expected nothing persisted when every bot is rejected")
	}
}
