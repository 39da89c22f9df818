package cache

import (
	"context"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// hotTier is the optional, shared-across-processes level of the Cache
// Tier. Unreachability is never fatal: the breaker bypasses it and
// retries lazily with capped exponential backoff.
type hotTier struct {
	client  *goredis.Client
	ttl     time.Duration
	breaker *breaker
}

func newHotTier(addr, password string, ttl time.Duration) *hotTier {
	if addr == "" {
		return nil
	}
	return &hotTier{
		client:  goredis.NewClient(&goredis.Options{Addr: addr, Password: password}),
		ttl:     ttl,
		breaker: newBreaker(3, time.Second, 60*time.Second),
	}
}

func (h *hotTier) Get(ctx context.Context, key string) ([]byte, bool) {
	if h == nil || !h.breaker.Allow() {
		return nil, false
	}
	v, err := h.client.Get(ctx, key).Bytes()
	h.breaker.Record(ignoreNil(err))
	if err != nil {
		return nil, false
	}
	return v, true
}

func (h *hotTier) Put(ctx context.Context, key string, payload []byte) {
	if h == nil || !h.breaker.Allow() {
		return
	}
	err := h.client.Set(ctx, key, payload, h.ttl).Err()
	h.breaker.Record(err)
}

func (h *hotTier) Invalidate(ctx context.Context, key string) {
	if h == nil || !h.breaker.Allow() {
		return
	}
	err := h.client.Del(ctx, key).Err()
	h.breaker.Record(err)
}

// ignoreNil treats goredis.Nil (key not found) as success for breaker
// purposes: a clean miss is not a connectivity failure.
func ignoreNil(err error) error {
	if err == goredis.Nil {
		return nil
	}
	return err
}

func (h *hotTier) Close() error {
	if h == nil {
		return nil
	}
	return h.client.Close()
}
