package model

import (
	"context"
	"time"
)

// CandleStore is the append-only persistent store for OHLCV candles,
// uniquely keyed on (symbol, timeframe, start_ts).
type CandleStore interface {
	UpsertBatch(ctx context.Context, candles []Candle) error
	Range(ctx context.Context, symbol string, tf Timeframe, fromTS, toTS *int64, limit int) ([]Candle, error)
	Latest(ctx context.Context, symbol string, tf Timeframe) (*Candle, error)
	Close() error
}

// AuditStore is the append-only persistent store of merged predictions.
type AuditStore interface {
	Save(ctx context.Context, p MergedPrediction) (int64, error)
	Fetch(ctx context.Context, id int64) (*MergedPrediction, error)
	Latest(ctx context.Context, symbol string, tf Timeframe) (*MergedPrediction, error)
	List(ctx context.Context, symbol string, tf Timeframe, since *int64, limit int) ([]MergedPrediction, error)
	Close() error
}

// EvaluationStore tracks scoring of merged predictions against realized
// candles once each prediction's horizon has elapsed. Implemented
// alongside AuditStore, backed by the same database.
type EvaluationStore interface {
	SaveEvaluation(ctx context.Context, e Evaluation) (int64, error)
	// PendingEvaluations returns merged predictions whose horizon has
	// fully elapsed as of now and that have not yet been scored, oldest
	// first, capped at limit.
	PendingEvaluations(ctx context.Context, now time.Time, limit int) ([]MergedPrediction, error)
}

// Cache is the two-tier key->bytes store fronting the Provider Gateway.
type Cache interface {
	Get(ctx context.Context, key string, bypass bool) ([]byte, bool)
	Put(ctx context.Context, key string, payload []byte)
	Invalidate(ctx context.Context, key string)
	InvalidateAll(ctx context.Context)
}

// Bot is the capability every forecast producer must satisfy. Bots are
// external collaborators; the core only depends on this contract.
type Bot interface {
	Name() string
	Predict(ctx context.Context, candles []Candle, horizonMinutes int, tf Timeframe) (ForecastSeries, float64, map[string]any, error)
	Train(ctx context.Context, candles []Candle, config map[string]any) (map[string]float64, string, error)
}
