package model

import "time"

// ValidationStatus is the outcome of running a bot's raw output, or a
// merged series, through the Validator.
type ValidationStatus string

const (
	StatusValid     ValidationStatus = "valid"
	StatusSanitized ValidationStatus = "sanitized"
	StatusRejected  ValidationStatus = "rejected"
	StatusException ValidationStatus = "exception"
	StatusEmpty     ValidationStatus = "empty"
)

// SeriesPoint is one (ts, price) point in a forecast series.
type SeriesPoint struct {
	TS    time.Time `json:"ts"`
	Price float64   `json:"price"`
}

// ForecastSeries is an ordered sequence of points over a horizon, one
// point per minute, strictly ascending in TS.
type ForecastSeries []SeriesPoint

// BotContribution records one bot's participation in a merge, including
// its post-validation weight and the sanitization summary if any.
type BotContribution struct {
	BotName    string           `json:"bot_name"`
	Weight     float64          `json:"weight"`
	Confidence float64          `json:"confidence"`
	RawSeries  ForecastSeries   `json:"raw_series"`
	Status     ValidationStatus `json:"validation_status"`
	ClipCount  int              `json:"clip_count,omitempty"`
	Meta       map[string]any   `json:"meta,omitempty"`
	Err        string           `json:"error,omitempty"`
}

// FeatureSnapshot captures the statistics the Merger computed at emission
// time, for post-hoc audit.
type FeatureSnapshot struct {
	LatestClose  float64 `json:"latest_close"`
	SMA20        float64 `json:"sma_20"`
	Volatility20 float64 `json:"volatility_20"`
	VolumeAvg    float64 `json:"volume_avg"`
}

// SanitizationSummary records how many points the post-merge sanity pass
// clipped, if any.
type SanitizationSummary struct {
	Sanitized bool `json:"sanitized"`
	ClipCount int  `json:"clip_count"`
}

// MergedPrediction is the Prediction Merger's immutable output. Identified
// by a monotonic 64-bit id once persisted.
type MergedPrediction struct {
	ID                  int64               `json:"id"`
	Symbol              string              `json:"symbol"`
	Timeframe           Timeframe           `json:"timeframe"`
	CreatedAt           time.Time           `json:"created_at"`
	HorizonMinutes      int                 `json:"horizon_minutes"`
	MergedSeries        ForecastSeries      `json:"predicted_series"`
	OverallConfidence   float64             `json:"overall_confidence"`
	BotContributions    []BotContribution   `json:"bot_contributions"`
	BotRawOutputs       []BotContribution   `json:"bot_raw_outputs"`
	ValidationFlags     map[string]string   `json:"validation_flags"`
	FeatureSnapshot     FeatureSnapshot     `json:"feature_snapshot"`
	SanitizationSummary SanitizationSummary `json:"sanitization_summary"`
}

// TrainingStatus is the lifecycle state of a TrainingRecord.
type TrainingStatus string

const (
	TrainingQueued    TrainingStatus = "queued"
	TrainingRunning   TrainingStatus = "running"
	TrainingCompleted TrainingStatus = "completed"
	TrainingFailed    TrainingStatus = "failed"
)

// TrainingRecord tracks one bot-training invocation. At most one
// non-terminal record may exist per (symbol, timeframe, bot_name).
type TrainingRecord struct {
	ID         int64              `json:"id"`
	Symbol     string             `json:"symbol"`
	Timeframe  Timeframe          `json:"timeframe"`
	BotName    string             `json:"bot_name"`
	StartedAt  time.Time          `json:"started_at"`
	EndedAt    *time.Time         `json:"ended_at,omitempty"`
	Status     TrainingStatus     `json:"status"`
	DataPoints int                `json:"data_points"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	Config     map[string]any     `json:"config,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// TrainingKey identifies the dedupe triple for the training queue.
func (r TrainingRecord) TrainingKey() string {
	return r.Symbol + ":" + string(r.Timeframe) + ":" + r.BotName
}

// Subscription is one session's current topic. At most one per session;
// replacing it detaches the old.
type Subscription struct {
	SessionID string    `json:"session_id"`
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
}

// Topic returns the (symbol, timeframe) filter key for broadcast matching.
func (s Subscription) Topic() string {
	return s.Symbol + ":" + string(s.Timeframe)
}

// Evaluation scores one MergedPrediction against the candles realized
// after it was emitted, once its horizon has fully elapsed.
type Evaluation struct {
	ID                  int64     `json:"id"`
	PredictionID        int64     `json:"prediction_id"`
	Symbol              string    `json:"symbol"`
	Timeframe           Timeframe `json:"timeframe"`
	EvaluatedAt         time.Time `json:"evaluated_at"`
	SamplesCompared     int       `json:"samples_compared"`
	MeanAbsError        float64   `json:"mean_abs_error"`
	MeanAbsPercentError float64   `json:"mean_abs_percent_error"`
}
