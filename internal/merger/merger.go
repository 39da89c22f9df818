// Package merger implements the Prediction Merger: fan-out to selected
// bots, per-bot validation and sanitization, confidence-weighted
// reduction onto a common grid, and audit capture. All bots get the same
// wall-clock budget and the Merger's own deadline dominates, expressed
// here as one goroutine per bot racing a shared context the Merger
// cancels on its own timeout.
package merger

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"marketcore/internal/apperr"
	"marketcore/internal/bot"
	"marketcore/internal/metrics"
	"marketcore/internal/model"
	"marketcore/internal/validator"
)

// Merger composes the Candle Store, Bot Registry, and Audit Store into
// the Merge contract.
type Merger struct {
	store    model.CandleStore
	registry *bot.Registry
	audit    model.AuditStore
	m        *metrics.Metrics

	MergerTimeout    time.Duration
	BotPredictBudget time.Duration
	CandleLimit      int
}

// New builds a Merger with the default budgets (30s merger timeout, 8s
// per-bot budget, 500-candle window).
func New(store model.CandleStore, registry *bot.Registry, audit model.AuditStore, m *metrics.Metrics) *Merger {
	return &Merger{
		store:            store,
		registry:         registry,
		audit:            audit,
		m:                m,
		MergerTimeout:    30 * time.Second,
		BotPredictBudget: 8 * time.Second,
		CandleLimit:      500,
	}
}

type botResult struct {
	name       string
	raw        model.ForecastSeries
	confidence float64
	meta       map[string]any
	err        error
}

// Merge runs the full merge algorithm for (symbol, timeframe). A nil
// selectedBots means "every registered bot".
func (mg *Merger) Merge(ctx context.Context, symbol string, tf model.Timeframe, horizonMinutes int, selectedBots []string) (model.MergedPrediction, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, mg.MergerTimeout)
	defer cancel()

	candles, err := mg.store.Range(ctx, symbol, tf, nil, nil, mg.CandleLimit)
	if err != nil {
		return model.MergedPrediction{}, apperr.Wrap(apperr.KindStore, symbol, string(tf), err)
	}
	if len(candles) == 0 {
		return model.MergedPrediction{}, apperr.Wrap(apperr.KindNotFound, symbol, string(tf), apperr.ErrNotFound)
	}
	referenceClose := candles[len(candles)-1].Close
	featureSnapshot := computeFeatureSnapshot(candles)

	names := selectedBots
	if len(names) == 0 {
		names = mg.registry.Names()
	}
	sort.Strings(names)

	results := mg.fanOut(ctx, symbol, tf, candles, horizonMinutes, names)

	contributions, rawOutputs, flags, anySanitized := mg.validateAll(results, referenceClose, horizonMinutes)

	retainedIdx := retainedIndices(contributions)
	if len(retainedIdx) == 0 {
		if mg.m != nil {
			mg.m.AllBotsRejected.Inc()
		}
		return model.MergedPrediction{}, apperr.Wrap(apperr.KindValidation, symbol, string(tf), apperr.ErrAllBotsRejected)
	}

	// Weights are written onto contributions itself so the persisted
	// bot_contributions carry them; retained is a view built afterwards.
	assignWeights(contributions, retainedIdx)
	retained := make([]model.BotContribution, len(retainedIdx))
	for i, idx := range retainedIdx {
		retained[i] = contributions[idx]
	}

	now := time.Now()
	merged := mergeSeries(retained, now, horizonMinutes)

	overallConfidence := overallConfidenceOf(retained, len(names), anySanitized)

	sanitizationSummary := model.SanitizationSummary{}
	if !validator.MagnitudeValidate(merged, referenceClose, validator.DefaultMagnitudeBounds) {
		merged, sanitizationSummary.ClipCount = validator.Sanitize(merged, referenceClose, validator.DefaultMagnitudeBounds)
		sanitizationSummary.Sanitized = true
	}

	merged, ascending := validator.DedupeAscending(merged)
	if !ascending {
		log.Printf("[merger] %s/%s: merged series not strictly ascending after dedupe", symbol, tf)
	}

	prediction := model.MergedPrediction{
		Symbol:              symbol,
		Timeframe:           tf,
		CreatedAt:           now,
		HorizonMinutes:      horizonMinutes,
		MergedSeries:        merged,
		OverallConfidence:   overallConfidence,
		BotContributions:    contributions,
		BotRawOutputs:       rawOutputs,
		ValidationFlags:     flags,
		FeatureSnapshot:     featureSnapshot,
		SanitizationSummary: sanitizationSummary,
	}

	id, err := mg.audit.Save(ctx, prediction)
	if err != nil {
		return model.MergedPrediction{}, apperr.Wrap(apperr.KindStore, symbol, string(tf), fmt.Errorf("audit save: %w", err))
	}
	prediction.ID = id

	if mg.m != nil {
		mg.m.MergesTotal.Inc()
		mg.m.MergeDur.Observe(time.Since(start).Seconds())
	}
	return prediction, nil
}

// fanOut runs one goroutine per bot, each wrapped in its own timeout and
// exception guard, sharing ctx so the Merger's own deadline (or an
// upstream cancellation) tears down every outstanding bot task at once.
func (mg *Merger) fanOut(ctx context.Context, symbol string, tf model.Timeframe, candles []model.Candle, horizonMinutes int, names []string) []botResult {
	results := make([]botResult, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		i, name := i, name
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = mg.runOne(ctx, symbol, tf, candles, horizonMinutes, name)
		}()
	}
	wg.Wait()
	return results
}

func (mg *Merger) runOne(ctx context.Context, symbol string, tf model.Timeframe, candles []model.Candle, horizonMinutes int, name string) (result botResult) {
	defer func() {
		if r := recover(); r != nil {
			result = botResult{name: name, err: fmt.Errorf("bot panic: %v", r)}
		}
	}()

	adapter, ok := mg.registry.Adapter(name)
	if !ok {
		return botResult{name: name, err: fmt.Errorf("unknown bot %q", name)}
	}

	budget := mg.BotPredictBudget
	if budget > mg.MergerTimeout {
		budget = mg.MergerTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	start := time.Now()
	series, confidence, meta, err := adapter.Predict(callCtx, symbol, tf, candles, horizonMinutes)
	if mg.m != nil {
		mg.m.BotPredictDur.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return botResult{name: name, err: err}
	}
	return botResult{name: name, raw: series, confidence: confidence, meta: meta}
}

// validateAll runs hard then magnitude validation over every bot
// result, producing the contributions list (post-validation), the
// verbatim raw outputs (even for rejected bots, for post-hoc analysis),
// and the validation_flags map.
func (mg *Merger) validateAll(results []botResult, referenceClose float64, horizonMinutes int) (contributions, rawOutputs []model.BotContribution, flags map[string]string, anySanitized bool) {
	flags = make(map[string]string, len(results))

	for _, r := range results {
		raw := model.BotContribution{BotName: r.name, RawSeries: r.raw, Meta: r.meta}

		if r.err != nil {
			raw.Status = model.StatusException
			raw.Err = r.err.Error()
			flags[r.name] = string(model.StatusException)
			rawOutputs = append(rawOutputs, raw)
			if mg.m != nil {
				mg.m.PredictionsRejected.Inc()
			}
			continue
		}
		if len(r.raw) == 0 {
			raw.Status = model.StatusEmpty
			flags[r.name] = string(model.StatusEmpty)
			rawOutputs = append(rawOutputs, raw)
			continue
		}
		rawOutputs = append(rawOutputs, raw)

		contribution := model.BotContribution{
			BotName:    r.name,
			Confidence: r.confidence,
			RawSeries:  r.raw,
			Meta:       r.meta,
		}

		if !validator.HardValidate(r.raw, horizonMinutes) {
			contribution.Status = model.StatusRejected
			flags[r.name] = string(model.StatusRejected)
			if mg.m != nil {
				mg.m.PredictionsRejected.Inc()
			}
			contributions = append(contributions, contribution)
			continue
		}

		if validator.MagnitudeValidate(r.raw, referenceClose, validator.DefaultMagnitudeBounds) {
			contribution.Status = model.StatusValid
		} else {
			sanitized, clipCount := validator.Sanitize(r.raw, referenceClose, validator.DefaultMagnitudeBounds)
			contribution.RawSeries = sanitized
			contribution.Status = model.StatusSanitized
			contribution.ClipCount = clipCount
			anySanitized = true
			if mg.m != nil {
				mg.m.PredictionsSanitized.Inc()
			}
		}
		flags[r.name] = string(contribution.Status)
		contributions = append(contributions, contribution)
	}
	return contributions, rawOutputs, flags, anySanitized
}

func retainedIndices(contributions []model.BotContribution) []int {
	out := make([]int, 0, len(contributions))
	for i, c := range contributions {
		if c.Status == model.StatusValid || c.Status == model.StatusSanitized {
			out = append(out, i)
		}
	}
	return out
}

// assignWeights sets Weight on each retained contribution, in place, to
// its confidence-share of the total, so weights sum to 1 across retained
// bots.
func assignWeights(contributions []model.BotContribution, retained []int) {
	total := 0.0
	for _, i := range retained {
		total += contributions[i].Confidence
	}
	if total <= 0 {
		equal := 1.0 / float64(len(retained))
		for _, i := range retained {
			contributions[i].Weight = equal
		}
		return
	}
	for _, i := range retained {
		contributions[i].Weight = contributions[i].Confidence / total
	}
}

// mergeSeries aligns every retained bot's series onto a shared 1-minute
// grid spanning [now, now+horizon] and reduces them to the
// confidence-weighted mean at each timestamp.
func mergeSeries(retained []model.BotContribution, now time.Time, horizonMinutes int) model.ForecastSeries {
	from := now
	to := now.Add(time.Duration(horizonMinutes) * time.Minute)

	aligned := make([]model.ForecastSeries, len(retained))
	for i, c := range retained {
		aligned[i] = alignToGrid(c.RawSeries, from, to)
	}

	n := 0
	for _, s := range aligned {
		if len(s) > n {
			n = len(s)
		}
	}

	out := make(model.ForecastSeries, 0, n)
	for idx := 0; idx < n; idx++ {
		var ts time.Time
		weighted := 0.0
		for i, s := range aligned {
			if idx >= len(s) {
				continue
			}
			ts = s[idx].TS
			weighted += s[idx].Price * retained[i].Weight
		}
		if ts.IsZero() {
			continue
		}
		out = append(out, model.SeriesPoint{TS: ts, Price: weighted})
	}
	return out
}

func overallConfidenceOf(retained []model.BotContribution, selectedCount int, anySanitized bool) float64 {
	weighted := 0.0
	for _, c := range retained {
		weighted += c.Confidence * c.Weight
	}
	if selectedCount > 0 {
		weighted *= float64(len(retained)) / float64(selectedCount)
	}
	if anySanitized {
		weighted *= 0.8
	}
	return weighted
}
