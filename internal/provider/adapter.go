// Package provider implements the Provider Gateway: a uniform
// FetchCandles capability over N upstream adapters with ordered
// fallback, cache integration, and request coalescing.
package provider

import (
	"context"

	"marketcore/internal/model"
)

// Adapter is one upstream market-data provider. Implementations translate
// symbol/timeframe into provider-native form and return raw candles;
// normalization and validation happen in the Gateway, not the adapter —
// this keeps an adapter's contract to a single capability, per the
// "multiple providers behind one capability" design note.
type Adapter interface {
	Name() string
	FetchCandles(ctx context.Context, symbol string, tf model.Timeframe, windowLabel string) ([]model.Candle, error)
}
