package merger

import (
	"time"

	"marketcore/internal/model"
)

// alignToGrid resamples series onto a 1-minute grid spanning [from, to]
// inclusive, linearly interpolating missing points from the series' own
// adjacent points. If series has only one point, every grid point takes
// that value (nothing to interpolate between).
func alignToGrid(series model.ForecastSeries, from, to time.Time) model.ForecastSeries {
	if len(series) == 0 {
		return nil
	}

	out := model.ForecastSeries{}
	for t := from; !t.After(to); t = t.Add(time.Minute) {
		out = append(out, model.SeriesPoint{TS: t, Price: interpolateAt(series, t)})
	}
	return out
}

// interpolateAt returns series' value at t, linearly interpolating
// between the bracketing points, or clamping to the nearest endpoint if
// t falls outside series' own span.
func interpolateAt(series model.ForecastSeries, t time.Time) float64 {
	if t.Before(series[0].TS) || len(series) == 1 {
		return series[0].Price
	}
	last := series[len(series)-1]
	if !t.Before(last.TS) {
		return last.Price
	}

	for i := 1; i < len(series); i++ {
		if t.After(series[i].TS) {
			continue
		}
		prev, next := series[i-1], series[i]
		span := next.TS.Sub(prev.TS)
		if span <= 0 {
			return next.Price
		}
		frac := float64(t.Sub(prev.TS)) / float64(span)
		return prev.Price + frac*(next.Price-prev.Price)
	}
	return last.Price
}
