// Package bot implements the Bot Registry & Adapter: named forecast
// producers keyed by (bot_name, symbol, timeframe), artifact persistence,
// warm-up-before-every-call recompilation, and feature-shape
// reconciliation, plus the process-wide training queue with its dedupe
// invariant.
package bot

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"sync"

	"marketcore/internal/model"
)

// ShapeAware lets a bot declare the input feature count its current
// pipeline expects, so the Adapter can detect a stale artifact whose
// declared shape no longer matches.
type ShapeAware interface {
	InputShape() int
}

// Registry enumerates available bot_names and hands out an Adapter for
// each, wrapping the concrete implementation with artifact persistence
// and shape reconciliation. It is one of the three process-wide
// singletons: init-on-startup, no re-init.
type Registry struct {
	mu          sync.RWMutex
	bots        map[string]model.Bot
	artifactDir string
}

// NewRegistry builds a Registry persisting artifacts under dir.
func NewRegistry(dir string) *Registry {
	return &Registry{bots: make(map[string]model.Bot), artifactDir: dir}
}

// Register adds a bot implementation under its own Name(). Registering a
// name twice replaces the prior entry — used by tests wiring fakes.
func (r *Registry) Register(b model.Bot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bots[b.Name()] = b
}

// Names returns every registered bot_name in map order; callers that
// need determinism should sort.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.bots))
	for name := range r.bots {
		out = append(out, name)
	}
	return out
}

// Adapter returns the Adapter wrapping the named bot, or false if no
// such bot is registered.
func (r *Registry) Adapter(name string) (*Adapter, bool) {
	r.mu.RLock()
	b, ok := r.bots[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return &Adapter{bot: b, dir: r.artifactDir}, true
}

// Adapter wraps one concrete Bot implementation with the lifecycle the
// Registry's contract promises: artifact persistence, recompilation
// before every prediction, and shape reconciliation.
type Adapter struct {
	bot model.Bot
	dir string
}

func (a *Adapter) Name() string { return a.bot.Name() }

// Predict warms the bot up, loads its current artifact if any, and
// reconciles the artifact's declared input shape against the live feature
// pipeline before delegating to the bot. A shape mismatch never fails the call:
// it rebuilds fresh and returns a low-confidence fallback, logging the
// mismatch, per the Adapter's contract.
func (a *Adapter) Predict(ctx context.Context, symbol string, tf model.Timeframe, candles []model.Candle, horizonMinutes int) (model.ForecastSeries, float64, map[string]any, error) {
	if warmer, ok := a.bot.(interface{ WarmUp() }); ok {
		warmer.WarmUp()
	}

	artifact, hasArtifact := loadArtifact(a.dir, a.bot.Name(), symbol, string(tf))

	if hasArtifact {
		if shaped, ok := a.bot.(ShapeAware); ok {
			declaredShape, _ := splitShapeHeader(artifact)
			if declaredShape != shaped.InputShape() {
				log.Printf("[bot] %s: artifact shape %d != pipeline shape %d for %s/%s, rebuilding fresh",
					a.bot.Name(), declaredShape, shaped.InputShape(), symbol, tf)
				series, _, meta, err := a.bot.Predict(ctx, candles, horizonMinutes, tf)
				if err != nil {
					return nil, 0, nil, err
				}
				if meta == nil {
					meta = map[string]any{}
				}
				meta["shape_mismatch_fallback"] = true
				return series, lowConfidenceFallback, meta, nil
			}
		}
	}

	return a.bot.Predict(ctx, candles, horizonMinutes, tf)
}

// lowConfidenceFallback is the confidence assigned to a shape-mismatch
// fallback prediction — deliberately low so the Merger's weighting
// discounts it relative to healthy bots.
const lowConfidenceFallback = 0.05

// Train runs the bot's Train capability and persists the resulting
// artifact via atomic rename, tagging it with the bot's current input
// shape (if it declares one) so a future Predict can detect drift.
func (a *Adapter) Train(ctx context.Context, symbol string, tf model.Timeframe, candles []model.Candle, config map[string]any) (map[string]float64, string, error) {
	metrics, rawArtifact, err := a.bot.Train(ctx, candles, config)
	if err != nil {
		return nil, "", err
	}

	shape := 0
	if shaped, ok := a.bot.(ShapeAware); ok {
		shape = shaped.InputShape()
	}
	payload := addShapeHeader(shape, []byte(rawArtifact))
	path, err := saveArtifact(a.dir, a.bot.Name(), symbol, string(tf), payload)
	if err != nil {
		return metrics, "", fmt.Errorf("bot train save artifact: %w", err)
	}
	return metrics, path, nil
}

func addShapeHeader(shape int, payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(shape))
	copy(out[4:], payload)
	return out
}

func splitShapeHeader(artifact []byte) (int, []byte) {
	if len(artifact) < 4 {
		return 0, nil
	}
	return int(binary.BigEndian.Uint32(artifact[:4])), artifact[4:]
}
