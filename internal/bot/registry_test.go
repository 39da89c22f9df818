package bot

import (
	"context"
	"os"
	"testing"
	"time"

	"marketcore/internal/bot/reference"
	"marketcore/internal/model"
)

func candles(n int) []model.Candle {
	out := make([]model.Candle, n)
	now := time.Now()
	for i := range out {
		out[i] = model.Candle{
			Symbol: "INFY.NS", Timeframe: model.TF5m,
			StartTS: now.Add(time.Duration(i) * 5 * time.Minute),
			Open: 100, High: 105, Low: 95, Close: 100 + float64(i),
			Volume: 1000,
		}
	}
	return out
}

func TestAdapter_TrainThenPredictUsesArtifact(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(dir)
	reg.Register(reference.NewMAProjection())

	adapter, ok := reg.Adapter("ma_projection")
	if !ok {
		t.Fatal("expected ma_projection to be registered")
	}

	ctx := context.Background()
	cs := candles(30)

	if _, _, err := adapter.Train(ctx, "INFY.NS", model.TF5m, cs, nil); err != nil {
		t.Fatalf("train: %v", err)
	}

	series, confidence, _, err := adapter.Predict(ctx, "INFY.NS", model.TF5m, cs, 10)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if len(series) != 10 {
		t.Fatalf("expected 10 points, got %d", len(series))
	}
	if confidence <= 0 {
		t.Fatal("expected positive confidence")
	}
}

func TestAdapter_ShapeMismatchFallsBack(t *testing.T) {
	dir := t.TempDir()
	// Hand-write a stale artifact declaring an incompatible shape (99)
	// for this (bot, symbol, tf).
	payload := addShapeHeader(99, []byte("stale"))
	path := artifactPath(dir, "ma_projection", "INFY.NS", string(model.TF5m))
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatal(err)
	}

	reg := NewRegistry(dir)
	reg.Register(reference.NewMAProjection())
	adapter, _ := reg.Adapter("ma_projection")

	_, confidence, meta, err := adapter.Predict(context.Background(), "INFY.NS", model.TF5m, candles(30), 5)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if confidence != lowConfidenceFallback {
		t.Fatalf("expected low-confidence fallback %v, got %v", lowConfidenceFallback, confidence)
	}
	if meta["shape_mismatch_fallback"] != true {
		t.Fatal("expected shape_mismatch_fallback flag in meta")
	}
}

func TestTrainingQueue_DuplicateRejected(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(dir)
	reg.Register(reference.NewRandomWalk(1))

	store := &fakeStore{candles: candles(30)}
	blockCh := make(chan struct{})
	reg2 := NewRegistry(dir)
	reg2.Register(&blockingBot{unblock: blockCh})

	q := NewTrainingQueue(reg2, store, 1, nil, nil)
	q.Start(context.Background())

	job := TrainJob{Symbol: "INFY.NS", Timeframe: model.TF15m, BotName: "blocking"}
	firstID, err := q.Enqueue(job)
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}

	// Give the worker a moment to pick the job up and move it to running.
	time.Sleep(20 * time.Millisecond)

	_, err = q.Enqueue(job)
	if err == nil {
		t.Fatal("expected duplicate enqueue to be rejected")
	}

	close(blockCh)
	_ = firstID
}

type fakeStore struct{ candles []model.Candle }

func (f *fakeStore) UpsertBatch(ctx context.Context, c []model.Candle) error { return nil }
func (f *fakeStore) Range(ctx context.Context, symbol string, tf model.Timeframe, fromTS, toTS *int64, limit int) ([]model.Candle, error) {
	return f.candles, nil
}
func (f *fakeStore) Latest(ctx context.Context, symbol string, tf model.Timeframe) (*model.Candle, error) {
	return nil, nil
}
func (f *fakeStore) Close() error { return nil }

// blockingBot blocks inside Train until unblock is closed, giving the
// duplicate-enqueue test a window where the job is genuinely "running".
type blockingBot struct{ unblock chan struct{} }

func (b *blockingBot) Name() string { return "blocking" }
func (b *blockingBot) Predict(ctx context.Context, candles []model.Candle, horizonMinutes int, tf model.Timeframe) (model.ForecastSeries, float64, map[string]any, error) {
	return nil, 0, nil, nil
}
func (b *blockingBot) Train(ctx context.Context, candles []model.Candle, config map[string]any) (map[string]float64, string, error) {
	<-b.unblock
	return map[string]float64{}, "blob", nil
}
