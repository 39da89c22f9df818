package model

import (
	"math"
	"strconv"
	"time"
)

// Candle is one OHLCV bar for a (symbol, timeframe, start_ts) triple. The
// triple is the candle's identity and carries a uniqueness constraint in
// the Candle Store.
type Candle struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	StartTS   time.Time `json:"start_ts"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Key returns the candle's identity triple as a single comparable string,
// used for map-keyed dedupe and reconciliation.
func (c Candle) Key() string {
	return c.Symbol + ":" + string(c.Timeframe) + ":" + strconv.FormatInt(c.StartTS.Unix(), 10)
}

// HasFiniteOHLC reports whether none of O/H/L/C is NaN, infinite, zero, or
// negative — the first candle invariant.
func (c Candle) HasFiniteOHLC() bool {
	for _, v := range [...]float64{c.Open, c.High, c.Low, c.Close} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return false
		}
	}
	return true
}

// OHLCOrdered reports whether low <= open, close <= high and low <= high.
func (c Candle) OHLCOrdered() bool {
	if c.Low > c.High {
		return false
	}
	if c.Open < c.Low || c.Open > c.High {
		return false
	}
	if c.Close < c.Low || c.Close > c.High {
		return false
	}
	return true
}

// GridAligned reports whether StartTS falls on the timeframe's grid
// boundary.
func (c Candle) GridAligned() bool {
	return c.StartTS.Equal(c.Timeframe.FloorToGrid(c.StartTS))
}
