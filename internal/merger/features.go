package merger

import (
	"gonum.org/v1/gonum/stat"

	"marketcore/internal/model"
)

// featureWindow is how many trailing candles feed sma_20/volatility_20/
// volume_avg.
const featureWindow = 20

// computeFeatureSnapshot derives the Merger's feature_snapshot from the
// trailing candle window, using gonum/stat for the mean/stddev that
// would otherwise be a hand-rolled accumulator.
func computeFeatureSnapshot(candles []model.Candle) model.FeatureSnapshot {
	if len(candles) == 0 {
		return model.FeatureSnapshot{}
	}
	window := candles
	if len(window) > featureWindow {
		window = window[len(window)-featureWindow:]
	}

	closes := make([]float64, len(window))
	volumes := make([]float64, len(window))
	for i, c := range window {
		closes[i] = c.Close
		volumes[i] = c.Volume
	}

	sma := stat.Mean(closes, nil)
	volatility := stat.StdDev(closes, nil)
	volumeAvg := stat.Mean(volumes, nil)

	return model.FeatureSnapshot{
		LatestClose:  candles[len(candles)-1].Close,
		SMA20:        sma,
		Volatility20: volatility,
		VolumeAvg:    volumeAvg,
	}
}
