package provider

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"marketcore/internal/cache"
	"marketcore/internal/model"
)

type fakeAdapter struct {
	name    string
	calls   int32
	candles []model.Candle
	err     error
	delay   time.Duration
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) FetchCandles(ctx context.Context, symbol string, tf model.Timeframe, windowLabel string) ([]model.Candle, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.candles, f.err
}

func sampleCandles(symbol string, tf model.Timeframe) []model.Candle {
	base := time.Date(2026, 7, 29, 10, 0, 0, 0, model.IST)
	return []model.Candle{
		{Symbol: symbol, Timeframe: tf, StartTS: base, Open: 1500, High: 1510, Low: 1495, Close: 1505, Volume: 10000},
		{Symbol: symbol, Timeframe: tf, StartTS: base.Add(5 * time.Minute), Open: 1505, High: 1515, Low: 1500, Close: 1510, Volume: 12000},
	}
}

func TestFetchCandles_ProviderFallback(t *testing.T) {
	primary := &fakeAdapter{name: "yahoo", candles: nil}
	secondary := &fakeAdapter{name: "twelvedata", candles: sampleCandles("INFY.NS", model.TF5m)}

	gw := New([]Adapter{primary, secondary}, cache.New(cache.Config{TTL: time.Minute, MaxEntries: 10}, nil), nil)

	got, err := gw.FetchCandles(context.Background(), "INFY.NS", model.TF5m, "60d", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candles, got %d", len(got))
	}
	if !got[0].StartTS.Before(got[1].StartTS) {
		t.Fatal("expected ascending order")
	}
}

func TestFetchCandles_CacheHitCoalescing(t *testing.T) {
	adapter := &fakeAdapter{name: "yahoo", candles: sampleCandles("INFY.NS", model.TF5m), delay: 20 * time.Millisecond}
	c := cache.New(cache.Config{TTL: 30 * time.Second, MaxEntries: 10}, nil)
	gw := New([]Adapter{adapter}, c, nil)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gw.FetchCandles(context.Background(), "INFY.NS", model.TF5m, "60d", false)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if calls := atomic.LoadInt32(&adapter.calls); calls != 1 {
		t.Fatalf("expected exactly one upstream call, got %d", calls)
	}
	if n := c.WarmLen(); n != 1 {
		t.Fatalf("expected warm-cache size 1, got %d", n)
	}
}

func TestNormalize_DropsFutureDatedCandles(t *testing.T) {
	c := sampleCandles("INFY.NS", model.TF5m) // 10:00 and 10:05 IST

	early := time.Date(2026, 7, 29, 8, 0, 0, 0, model.IST)
	if got := normalize(c, model.TF5m, early); len(got) != 0 {
		t.Fatalf("expected candles more than an hour ahead of now to be dropped, got %d", len(got))
	}

	later := time.Date(2026, 7, 29, 10, 30, 0, 0, model.IST)
	if got := normalize(c, model.TF5m, later); len(got) != 2 {
		t.Fatalf("expected both session candles kept, got %d", len(got))
	}
}

func TestFetchCandles_AllProvidersFail(t *testing.T) {
	p1 := &fakeAdapter{name: "yahoo", err: errUpstream}
	p2 := &fakeAdapter{name: "twelvedata", err: errUpstream}
	gw := New([]Adapter{p1, p2}, cache.New(cache.Config{TTL: time.Minute, MaxEntries: 10}, nil), nil)

	_, err := gw.FetchCandles(context.Background(), "INFY.NS", model.TF5m, "60d", true)
	if err == nil {
		t.Fatal("expected provider_exhausted error")
	}
}

var errUpstream = &upstreamErr{}

type upstreamErr struct{}

func (*upstreamErr) Error() string { return "upstream unavailable" }
