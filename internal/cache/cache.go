// Package cache implements the two-level Cache Tier: a shared hot tier
// (Redis, optional, transparently bypassed on failure) and an in-process
// warm tier (bounded LRU with TTL). Writes populate both tiers; a hit on
// either tier counts as a hit.
package cache

import (
	"context"
	"time"

	"marketcore/internal/metrics"
)

// Tier is the Cache Tier facade implementing model.Cache.
type Tier struct {
	hot  *hotTier
	warm *warmTier
	m    *metrics.Metrics
}

// Config configures both tiers.
type Config struct {
	HotAddr     string
	HotPassword string
	TTL         time.Duration
	MaxEntries  int
}

// New builds a Cache Tier. A zero HotAddr disables the hot tier entirely.
func New(cfg Config, m *metrics.Metrics) *Tier {
	t := &Tier{
		hot:  newHotTier(cfg.HotAddr, cfg.HotPassword, cfg.TTL),
		warm: newWarmTier(cfg.MaxEntries, cfg.TTL),
		m:    m,
	}
	if t.hot != nil {
		t.hot.breaker.OnStateChange = func(from, to int) {
			if m != nil {
				m.HotTierCircuitState.Set(float64(to))
				if to == 1 {
					m.HotTierCircuitTrips.Inc()
				}
			}
		}
	}
	if m != nil {
		t.warm.onEvict = func() { m.CacheEvictions.Inc() }
	}
	return t
}

// Get checks the warm tier then the hot tier. bypass short-circuits both
// and always returns a miss, for force-refresh callers.
func (t *Tier) Get(ctx context.Context, key string, bypass bool) ([]byte, bool) {
	if bypass {
		return nil, false
	}
	if v, ok := t.warm.Get(key); ok {
		t.count("warm", true)
		return v, true
	}
	if v, ok := t.hot.Get(ctx, key); ok {
		t.warm.Put(key, v) // promote into the warm tier on hot-tier hit
		t.count("hot", true)
		return v, true
	}
	t.count("", false)
	return nil, false
}

// Put writes to both tiers.
func (t *Tier) Put(ctx context.Context, key string, payload []byte) {
	t.warm.Put(key, payload)
	t.hot.Put(ctx, key, payload)
}

// Invalidate removes key from both tiers.
func (t *Tier) Invalidate(ctx context.Context, key string) {
	t.warm.Invalidate(key)
	t.hot.Invalidate(ctx, key)
}

// InvalidateAll clears the warm tier. The hot tier, being shared across
// processes, is left alone — only the owning writer invalidates specific
// keys there.
func (t *Tier) InvalidateAll(ctx context.Context) {
	t.warm.InvalidateAll()
}

// WarmLen exposes the current warm-tier size, used by tests asserting the
// cache-hit-coalescing scenario's "warm-cache size = 1" expectation.
func (t *Tier) WarmLen() int {
	return t.warm.Len()
}

func (t *Tier) count(tier string, hit bool) {
	if t.m == nil {
		return
	}
	if hit {
		t.m.CacheHits.WithLabelValues(tier).Inc()
	} else {
		t.m.CacheMisses.Inc()
	}
}

func (t *Tier) Close() error {
	return t.hot.Close()
}
