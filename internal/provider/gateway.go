package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"marketcore/internal/apperr"
	"marketcore/internal/calendar"
	"marketcore/internal/metrics"
	"marketcore/internal/model"
	"marketcore/internal/validator"
)

// Gateway encapsulates upstream providers behind FetchCandles, with cache
// integration and request coalescing against thundering-herd.
type Gateway struct {
	providers []Adapter
	cache     model.Cache
	coalesce  *coalescer
	m         *metrics.Metrics
}

// New builds a Gateway trying providers in the given order.
func New(providers []Adapter, cache model.Cache, m *metrics.Metrics) *Gateway {
	return &Gateway{providers: providers, cache: cache, coalesce: newCoalescer(), m: m}
}

// FetchCandles implements the Gateway algorithm: cache check, coalesced
// ordered-fallback fetch, normalization, cache population.
func (g *Gateway) FetchCandles(ctx context.Context, symbol string, tf model.Timeframe, windowLabel string, bypassCache bool) ([]model.Candle, error) {
	key := symbol + ":" + string(tf) + ":" + windowLabel

	if !bypassCache {
		if payload, ok := g.cache.Get(ctx, key, false); ok {
			var candles []model.Candle
			if err := json.Unmarshal(payload, &candles); err == nil {
				return candles, nil
			}
		}
	}

	result, joined := g.coalesce.do(key, func() fetchResult {
		candles, err := g.fetchFromProviders(ctx, symbol, tf)
		return fetchResult{candles: candles, err: err}
	})
	if joined && g.m != nil {
		g.m.ProviderCoalesced.Inc()
	}
	if result.err != nil {
		return nil, result.err
	}

	if payload, err := json.Marshal(result.candles); err == nil {
		g.cache.Put(ctx, key, payload)
	}
	return result.candles, nil
}

func (g *Gateway) fetchFromProviders(ctx context.Context, symbol string, tf model.Timeframe) ([]model.Candle, error) {
	var lastErr error
	for i, p := range g.providers {
		if i > 0 && g.m != nil {
			g.m.ProviderFallbacks.Inc()
		}

		start := time.Now()
		raw, err := p.FetchCandles(ctx, symbol, tf, tf.WindowLabel())
		if g.m != nil {
			g.m.ProviderFetchDur.WithLabelValues(p.Name()).Observe(time.Since(start).Seconds())
		}
		if err != nil {
			lastErr = err
			log.Printf("[provider] %s fetch failed for %s/%s: %v", p.Name(), symbol, tf, err)
			continue
		}

		normalized := normalize(raw, tf, time.Now())
		if g.m != nil && len(raw) > len(normalized) {
			g.m.CandlesDropped.Add(float64(len(raw) - len(normalized)))
		}
		if len(normalized) == 0 {
			lastErr = nil
			continue
		}
		return normalized, nil
	}

	if g.m != nil {
		g.m.ProviderExhausted.Inc()
	}
	return nil, apperr.Wrap(apperr.KindTransient, symbol, string(tf), joinErr(apperr.ErrProviderExhausted, lastErr))
}

// normalize converts timestamps to IST, runs every candle through
// validator.CandleValid (dropping failures), and drops out-of-order
// entries rather than reordering them (preserving provider-truthfulness).
func normalize(raw []model.Candle, tf model.Timeframe, now time.Time) []model.Candle {
	out := make([]model.Candle, 0, len(raw))
	var lastTS time.Time
	for _, c := range raw {
		c.StartTS = c.StartTS.In(model.IST)
		c.Timeframe = tf

		if !validator.CandleValid(c, now, inSession) {
			continue
		}
		if !lastTS.IsZero() && !c.StartTS.After(lastTS) {
			continue // out of order: drop, do not reorder
		}
		out = append(out, c)
		lastTS = c.StartTS
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTS.Before(out[j].StartTS) })
	return out
}

// inSession is the Exchange Calendar gate CandleValid applies to a
// candle's start_ts: session hours for intraday timeframes, trading days
// for daily and coarser.
func inSession(ts time.Time, tf model.Timeframe) bool {
	if tf.Intraday() {
		return calendar.IsMarketOpen(ts)
	}
	return calendar.IsTradingDay(ts)
}

func joinErr(a, b error) error {
	if b == nil {
		return a
	}
	return fmt.Errorf("%w: %v", a, b)
}
