// Package validator holds the stateless predicate functions enforcing
// the numeric, ordering, and magnitude constraints on candles and
// forecast series described in the data model. Every function here is
// pure: no I/O, no shared state, safe to call from any goroutine.
package validator

import (
	"math"
	"time"

	"marketcore/internal/model"
)

// CandleValid reports whether c passes every candle invariant: finite
// positive OHLC, OHLC ordering, grid alignment, a trading session for
// its start_ts, and not more than an hour in the future. Failing
// candles are dropped by callers, not rejected en masse.
func CandleValid(c model.Candle, now time.Time, tradingSession func(time.Time, model.Timeframe) bool) bool {
	if !c.HasFiniteOHLC() || !c.OHLCOrdered() {
		return false
	}
	if !c.GridAligned() {
		return false
	}
	if tradingSession != nil && !tradingSession(c.StartTS, c.Timeframe) {
		return false
	}
	if c.StartTS.After(now.Add(time.Hour)) {
		return false
	}
	return true
}

// HardValidate checks the structural requirements every forecast series
// must satisfy before magnitude checks run: non-empty, every point
// finite and positive, strictly ascending timestamps with at most a
// minute of spacing, and a span covering at least horizon-minus-one-step.
func HardValidate(series model.ForecastSeries, horizonMinutes int) bool {
	if len(series) == 0 {
		return false
	}
	for i, p := range series {
		if math.IsNaN(p.Price) || math.IsInf(p.Price, 0) || p.Price <= 0 {
			return false
		}
		if i == 0 {
			continue
		}
		prev := series[i-1]
		if !p.TS.After(prev.TS) {
			return false
		}
		if p.TS.Sub(prev.TS) > time.Minute {
			return false
		}
	}
	span := series[len(series)-1].TS.Sub(series[0].TS)
	minSpan := time.Duration(horizonMinutes-1) * time.Minute
	if span < minSpan {
		return false
	}
	return true
}

// MagnitudeBounds are the three magnitude constraints, all relative to a
// reference close: per-step change, cumulative absolute drift, and an
// absolute band around the reference.
type MagnitudeBounds struct {
	MaxStepChange      float64 // fraction, e.g. 0.03
	MaxCumulativeDrift float64 // fraction, e.g. 0.10
	BandLow            float64 // fraction, e.g. 0.85
	BandHigh           float64 // fraction, e.g. 1.15
}

// DefaultMagnitudeBounds are the bounds every prediction path uses.
var DefaultMagnitudeBounds = MagnitudeBounds{
	MaxStepChange:      0.03,
	MaxCumulativeDrift: 0.10,
	BandLow:            0.85,
	BandHigh:           1.15,
}

// MagnitudeValidate reports whether series stays within bounds relative
// to referenceClose. It does not mutate series; callers sanitize
// separately once they've decided to.
func MagnitudeValidate(series model.ForecastSeries, referenceClose float64, b MagnitudeBounds) bool {
	if referenceClose <= 0 || len(series) == 0 {
		return false
	}
	low := b.BandLow * referenceClose
	high := b.BandHigh * referenceClose

	prev := referenceClose
	for _, p := range series {
		if p.Price < low || p.Price > high {
			return false
		}
		if prev > 0 {
			step := math.Abs(p.Price-prev) / prev
			if step > b.MaxStepChange {
				return false
			}
		}
		drift := math.Abs(p.Price-referenceClose) / referenceClose
		if drift > b.MaxCumulativeDrift {
			return false
		}
		prev = p.Price
	}
	return true
}

// Sanitize clamps every point to the absolute band around referenceClose,
// returning the clamped series and the number of points actually clipped.
// Clamp-to-bound is the uniform policy, in preference to scaling the
// whole series.
func Sanitize(series model.ForecastSeries, referenceClose float64, b MagnitudeBounds) (model.ForecastSeries, int) {
	low := b.BandLow * referenceClose
	high := b.BandHigh * referenceClose

	out := make(model.ForecastSeries, len(series))
	clipped := 0
	for i, p := range series {
		clampedPrice := p.Price
		if clampedPrice < low {
			clampedPrice = low
			clipped++
		} else if clampedPrice > high {
			clampedPrice = high
			clipped++
		}
		out[i] = model.SeriesPoint{TS: p.TS, Price: clampedPrice}
	}
	return out, clipped
}

// DedupeAscending removes exact-duplicate timestamps (keeping the first)
// and reports whether the result is strictly ascending — the merge's
// final sanity pass before persistence.
func DedupeAscending(series model.ForecastSeries) (model.ForecastSeries, bool) {
	if len(series) == 0 {
		return series, true
	}
	out := make(model.ForecastSeries, 0, len(series))
	out = append(out, series[0])
	for _, p := range series[1:] {
		last := out[len(out)-1]
		if p.TS.Equal(last.TS) {
			continue
		}
		out = append(out, p)
	}
	ascending := true
	for i := 1; i < len(out); i++ {
		if !out[i].TS.After(out[i-1].TS) {
			ascending = false
			break
		}
	}
	return out, ascending
}
