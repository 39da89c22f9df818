// Package reference ships two trivial bots satisfying model.Bot purely
// to exercise the Registry, Adapter, training queue, and Merger end to
// end in tests. Real bots are external collaborators; these are
// fixtures, not production forecasters.
package reference

import (
	"context"
	"time"

	"marketcore/internal/model"
)

// MAProjection is a deterministic moving-average-projection bot: it
// fits a short and a long simple moving average over the trailing
// candles and projects the most recent trend linearly across the
// horizon. No randomness, no external state — useful as the "normal"
// bot in merge tests.
type MAProjection struct {
	ShortPeriod int
	LongPeriod  int
}

// NewMAProjection builds the bot with its default 5/20 period pair.
func NewMAProjection() *MAProjection {
	return &MAProjection{ShortPeriod: 5, LongPeriod: 20}
}

func (b *MAProjection) Name() string { return "ma_projection" }

// InputShape reports the feature count this bot's pipeline expects,
// letting the Adapter detect a stale artifact from a previous pipeline
// version.
func (b *MAProjection) InputShape() int { return 2 }

func (b *MAProjection) Predict(ctx context.Context, candles []model.Candle, horizonMinutes int, tf model.Timeframe) (model.ForecastSeries, float64, map[string]any, error) {
	if len(candles) == 0 {
		return nil, 0, nil, errEmptyInput
	}

	shortMA := trailingMean(candles, b.ShortPeriod)
	longMA := trailingMean(candles, b.LongPeriod)
	last := candles[len(candles)-1]

	trendPerMinute := (shortMA - longMA) / float64(b.LongPeriod)

	now := time.Now()
	series := make(model.ForecastSeries, 0, horizonMinutes)
	price := last.Close
	for i := 1; i <= horizonMinutes; i++ {
		price += trendPerMinute
		series = append(series, model.SeriesPoint{TS: now.Add(time.Duration(i) * time.Minute), Price: price})
	}

	confidence := 0.6
	if len(candles) >= b.LongPeriod {
		confidence = 0.75
	}
	return series, confidence, map[string]any{"short_ma": shortMA, "long_ma": longMA}, nil
}

func (b *MAProjection) Train(ctx context.Context, candles []model.Candle, config map[string]any) (map[string]float64, string, error) {
	if short, ok := config["short_period"].(float64); ok && short > 0 {
		b.ShortPeriod = int(short)
	}
	if long, ok := config["long_period"].(float64); ok && long > 0 {
		b.LongPeriod = int(long)
	}
	return map[string]float64{"data_points": float64(len(candles))}, "ma-projection-config-v1", nil
}

func trailingMean(candles []model.Candle, period int) float64 {
	if period > len(candles) {
		period = len(candles)
	}
	if period == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range candles[len(candles)-period:] {
		sum += c.Close
	}
	return sum / float64(period)
}
