package reference

import (
	"context"
	"math/rand"
	"time"

	"marketcore/internal/model"
)

// RandomWalk is a seeded-noise random-walk bot: each point steps from
// the previous one by a small Gaussian perturbation. Its seed is fixed
// at construction so a given (candles, horizon) pair reproduces the same
// series — useful for exercising the Merger's sanitization path by
// tuning StepStdDev up, without needing a flaky live bot.
type RandomWalk struct {
	StepStdDev float64
	rng        *rand.Rand
}

// NewRandomWalk builds the bot with a fixed seed so predictions are
// reproducible across calls.
func NewRandomWalk(seed int64) *RandomWalk {
	return &RandomWalk{StepStdDev: 0.002, rng: rand.New(rand.NewSource(seed))}
}

func (b *RandomWalk) Name() string { return "random_walk" }

func (b *RandomWalk) InputShape() int { return 1 }

func (b *RandomWalk) Predict(ctx context.Context, candles []model.Candle, horizonMinutes int, tf model.Timeframe) (model.ForecastSeries, float64, map[string]any, error) {
	if len(candles) == 0 {
		return nil, 0, nil, errEmptyInput
	}
	last := candles[len(candles)-1].Close

	now := time.Now()
	series := make(model.ForecastSeries, 0, horizonMinutes)
	price := last
	for i := 1; i <= horizonMinutes; i++ {
		price *= 1 + b.rng.NormFloat64()*b.StepStdDev
		series = append(series, model.SeriesPoint{TS: now.Add(time.Duration(i) * time.Minute), Price: price})
	}
	return series, 0.5, map[string]any{"step_stddev": b.StepStdDev}, nil
}

func (b *RandomWalk) Train(ctx context.Context, candles []model.Candle, config map[string]any) (map[string]float64, string, error) {
	if stddev, ok := config["step_stddev"].(float64); ok && stddev > 0 {
		b.StepStdDev = stddev
	}
	return map[string]float64{"data_points": float64(len(candles))}, "random-walk-config-v1", nil
}
