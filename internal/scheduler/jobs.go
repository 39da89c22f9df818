package scheduler

import (
	"context"
	"log"
	"time"

	"marketcore/internal/apperr"
	"marketcore/internal/calendar"
	"marketcore/internal/model"
)

// WatchTopic is one (symbol, timeframe) pair a job class should service —
// the Scheduler's active set: the union of live subscriptions and the
// configured default watch list.
type WatchTopic struct {
	Symbol    string
	Timeframe model.Timeframe
}

// WatchList supplies the current active set. Implemented by the
// Subscription Fabric's session registry, merged with the configured
// default watch list.
type WatchList interface {
	ActiveTopics() []WatchTopic
}

// CandleFetcher is the Provider Gateway capability the realtime refresh
// job needs.
type CandleFetcher interface {
	FetchCandles(ctx context.Context, symbol string, tf model.Timeframe, windowLabel string, bypassCache bool) ([]model.Candle, error)
}

// Predicter is the Prediction Merger capability the emission job needs.
type Predicter interface {
	Merge(ctx context.Context, symbol string, tf model.Timeframe, horizonMinutes int, selectedBots []string) (model.MergedPrediction, error)
}

// Broadcaster fans a candle or prediction update out to subscribed
// sessions. Implemented by the Subscription Fabric.
type Broadcaster interface {
	BroadcastCandle(symbol string, tf model.Timeframe, c model.Candle)
	BroadcastPrediction(symbol string, tf model.Timeframe, p model.MergedPrediction)
}

// NewRealtimeRefreshJob builds the "every 5s per active topic" job: fetch
// the live candle bypassing cache, upsert, broadcast only if it changed
// from what's already on record.
func NewRealtimeRefreshJob(interval time.Duration, watch WatchList, gateway CandleFetcher, store model.CandleStore, bus Broadcaster) Job {
	return Job{
		Name:     "realtime_candle_refresh",
		Interval: interval,
		Run: func(ctx context.Context) {
			for _, topic := range watch.ActiveTopics() {
				if marketClosedFor(topic.Timeframe) {
					continue
				}
				refreshOne(ctx, topic, gateway, store, bus)
			}
		},
	}
}

func marketClosedFor(tf model.Timeframe) bool {
	now := time.Now()
	if tf.Intraday() {
		return !calendar.IsMarketOpen(now)
	}
	return !calendar.IsTradingDay(now)
}

func refreshOne(ctx context.Context, topic WatchTopic, gateway CandleFetcher, store model.CandleStore, bus Broadcaster) {
	prior, err := store.Latest(ctx, topic.Symbol, topic.Timeframe)
	if err != nil {
		log.Printf("[scheduler] realtime refresh %s/%s: read prior: %v", topic.Symbol, topic.Timeframe, err)
	}

	candles, err := gateway.FetchCandles(ctx, topic.Symbol, topic.Timeframe, topic.Timeframe.WindowLabel(), true)
	if err != nil {
		log.Printf("[scheduler] realtime refresh %s/%s: %v", topic.Symbol, topic.Timeframe, err)
		return
	}
	if len(candles) == 0 {
		return
	}
	latest := candles[len(candles)-1]

	if err := store.UpsertBatch(ctx, []model.Candle{latest}); err != nil {
		log.Printf("[scheduler] realtime refresh %s/%s: upsert: %v", topic.Symbol, topic.Timeframe, err)
		return
	}

	changed := prior == nil || prior.Close != latest.Close || prior.High != latest.High ||
		prior.Low != latest.Low || prior.Volume != latest.Volume
	if changed && bus != nil {
		bus.BroadcastCandle(topic.Symbol, topic.Timeframe, latest)
	}
}

// NewPredictionEmissionJob builds the "every N seconds per active topic"
// job: invoke the Merger, broadcast on success. A rejected merge
// (all_bots_rejected) is skipped without logging; any other failure, such
// as an upstream-exhausted candle read, is logged and skipped. Neither is
// retried within this tick.
func NewPredictionEmissionJob(interval time.Duration, horizonMinutes int, watch WatchList, merger Predicter, bus Broadcaster) Job {
	return Job{
		Name:     "prediction_emission",
		Interval: interval,
		Run: func(ctx context.Context) {
			for _, topic := range watch.ActiveTopics() {
				if marketClosedFor(topic.Timeframe) {
					continue
				}
				emitOne(ctx, topic, horizonMinutes, merger, bus)
			}
		},
	}
}

func emitOne(ctx context.Context, topic WatchTopic, horizonMinutes int, merger Predicter, bus Broadcaster) {
	pred, err := merger.Merge(ctx, topic.Symbol, topic.Timeframe, horizonMinutes, nil)
	if err != nil {
		if apperr.KindOf(err) != apperr.KindValidation {
			log.Printf("[scheduler] prediction emission %s/%s: %v", topic.Symbol, topic.Timeframe, err)
		}
		return
	}
	if bus != nil {
		bus.BroadcastPrediction(topic.Symbol, topic.Timeframe, pred)
	}
}

// NewEvaluationJob builds the periodic scan over predictions whose
// horizon has elapsed: compare the merged series against what the
// Candle Store actually recorded over the same span and persist the
// resulting accuracy metrics.
func NewEvaluationJob(interval time.Duration, evalStore model.EvaluationStore, candles model.CandleStore) Job {
	return Job{
		Name:     "prediction_evaluation",
		Interval: interval,
		Run: func(ctx context.Context) {
			if !calendar.IsMarketOpen(time.Now()) {
				return
			}
			pending, err := evalStore.PendingEvaluations(ctx, time.Now(), 50)
			if err != nil {
				log.Printf("[scheduler] evaluation scan: %v", err)
				return
			}
			for _, p := range pending {
				evaluateOne(ctx, p, evalStore, candles)
			}
		},
	}
}

func evaluateOne(ctx context.Context, p model.MergedPrediction, evalStore model.EvaluationStore, store model.CandleStore) {
	if len(p.MergedSeries) == 0 {
		return
	}
	fromTS := p.MergedSeries[0].TS.Unix()
	toTS := p.MergedSeries[len(p.MergedSeries)-1].TS.Unix()

	realized, err := store.Range(ctx, p.Symbol, p.Timeframe, &fromTS, &toTS, 5000)
	if err != nil {
		log.Printf("[scheduler] evaluation %s/%s pred=%d: read realized: %v", p.Symbol, p.Timeframe, p.ID, err)
		return
	}
	if len(realized) == 0 {
		return
	}

	sumAbs, sumAbsPct := 0.0, 0.0
	samples := 0
	for _, r := range realized {
		predicted, ok := predictedPriceAt(p.MergedSeries, r.StartTS)
		if !ok {
			continue
		}
		absErr := abs(predicted - r.Close)
		sumAbs += absErr
		if r.Close != 0 {
			sumAbsPct += absErr / abs(r.Close)
		}
		samples++
	}
	if samples == 0 {
		return
	}

	eval := model.Evaluation{
		PredictionID:        p.ID,
		Symbol:              p.Symbol,
		Timeframe:           p.Timeframe,
		EvaluatedAt:         time.Now(),
		SamplesCompared:     samples,
		MeanAbsError:        sumAbs / float64(samples),
		MeanAbsPercentError: sumAbsPct / float64(samples),
	}
	if _, err := evalStore.SaveEvaluation(ctx, eval); err != nil {
		log.Printf("[scheduler] evaluation %s/%s pred=%d: save: %v", p.Symbol, p.Timeframe, p.ID, err)
	}
}

// predictedPriceAt matches on the minute grid: series points carry
// sub-second offsets from emission time while stored candle timestamps
// are grid-aligned whole seconds.
func predictedPriceAt(series model.ForecastSeries, ts time.Time) (float64, bool) {
	want := ts.Truncate(time.Minute)
	for _, p := range series {
		if p.TS.Truncate(time.Minute).Equal(want) {
			return p.Price, true
		}
	}
	return 0, false
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
