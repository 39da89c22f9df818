package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus metric for the core.
type Metrics struct {
	// Cache Tier
	CacheHits           *prometheus.CounterVec // labels: tier=hot|warm
	CacheMisses         prometheus.Counter
	CacheEvictions      prometheus.Counter
	HotTierCircuitState prometheus.Gauge       // 0=closed, 1=open, 2=half-open
	HotTierCircuitTrips prometheus.Counter

	// Provider Gateway
	ProviderFetchDur  *prometheus.HistogramVec // labels: provider
	ProviderFallbacks prometheus.Counter
	ProviderExhausted prometheus.Counter
	ProviderCoalesced prometheus.Counter

	// Candle Store
	CandlesUpserted      prometheus.Counter
	CandleStoreQueryDur  prometheus.Histogram
	CandleStoreOpenConns prometheus.Gauge

	// Validator
	CandlesDropped       prometheus.Counter
	PredictionsSanitized prometheus.Counter
	PredictionsRejected  prometheus.Counter

	// Bot Registry / training queue
	TrainingQueueDepth prometheus.Gauge
	TrainingDuplicates prometheus.Counter
	BotPredictDur      *prometheus.HistogramVec // labels: bot

	// Prediction Merger
	MergesTotal     prometheus.Counter
	MergeDur        prometheus.Histogram
	AllBotsRejected prometheus.Counter

	// Scheduler
	SchedulerJobSkips *prometheus.CounterVec // labels: job, reason=max_instances|misfire
	SchedulerJobRuns  *prometheus.CounterVec // labels: job

	// Subscription Fabric
	SessionsActive   prometheus.Gauge
	FanoutDropsTotal *prometheus.CounterVec // labels: type=candle|prediction|training_status
	SessionCloses    prometheus.Counter

	// Audit Store
	AuditWritesTotal prometheus.Counter
}

// New registers and returns every metric.
func New() *Metrics {
	m := &Metrics{
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketcore_cache_hits_total",
			Help: "Cache Tier hits by tier",
		}, []string{"tier"}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketcore_cache_misses_total",
			Help: "Cache Tier misses (both tiers)",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketcore_cache_warm_evictions_total",
			Help: "Warm-tier LRU evictions",
		}),
		HotTierCircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "marketcore_hot_tier_circuit_state",
			Help: "Hot cache tier circuit breaker state (0=closed,1=open,2=half-open)",
		}),
		HotTierCircuitTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketcore_hot_tier_circuit_trips_total",
			Help: "Times the hot cache tier circuit breaker tripped open",
		}),

		ProviderFetchDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "marketcore_provider_fetch_duration_seconds",
			Help:    "Provider Gateway upstream fetch latency by provider",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		ProviderFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketcore_provider_fallbacks_total",
			Help: "Times the Gateway fell through to the next provider",
		}),
		ProviderExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketcore_provider_exhausted_total",
			Help: "Times every configured provider failed",
		}),
		ProviderCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketcore_provider_coalesced_total",
			Help: "In-flight fetches joined by a coalesced caller instead of issuing a new upstream call",
		}),

		CandlesUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketcore_candles_upserted_total",
			Help: "Candles written via UpsertBatch",
		}),
		CandleStoreQueryDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "marketcore_candlestore_query_duration_seconds",
			Help:    "Candle Store query latency",
			Buckets: prometheus.DefBuckets,
		}),
		CandleStoreOpenConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "marketcore_candlestore_open_conns",
			Help: "Current open connections in the Candle Store reader pool",
		}),

		CandlesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketcore_candles_dropped_total",
			Help: "Upstream candles dropped during normalization",
		}),
		PredictionsSanitized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketcore_predictions_sanitized_total",
			Help: "Bot series clamped by magnitude validation",
		}),
		PredictionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketcore_predictions_rejected_total",
			Help: "Bot series rejected by hard validation or dropped after a failed Predict call",
		}),

		TrainingQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "marketcore_training_queue_depth",
			Help: "Current training queue depth (queued + running)",
		}),
		TrainingDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketcore_training_duplicate_rejections_total",
			Help: "Enqueue calls rejected due to an existing non-terminal job",
		}),
		BotPredictDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "marketcore_bot_predict_duration_seconds",
			Help:    "Per-bot Predict call latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"bot"}),

		MergesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketcore_merges_total",
			Help: "Prediction Merger runs completed",
		}),
		MergeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "marketcore_merge_duration_seconds",
			Help:    "Prediction Merger end-to-end latency",
			Buckets: prometheus.DefBuckets,
		}),
		AllBotsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketcore_all_bots_rejected_total",
			Help: "Merger runs where every bot was dropped",
		}),

		SchedulerJobSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketcore_scheduler_job_skips_total",
			Help: "Scheduler job ticks that short-circuited",
		}, []string{"job", "reason"}),
		SchedulerJobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketcore_scheduler_job_runs_total",
			Help: "Scheduler job ticks that executed",
		}, []string{"job"}),

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "marketcore_sessions_active",
			Help: "Currently open Subscription Fabric sessions",
		}),
		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketcore_fanout_drops_total",
			Help: "Outbound messages dropped by session backpressure",
		}, []string{"type"}),
		SessionCloses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketcore_session_closes_total",
			Help: "Sessions closed (send failure or client-initiated)",
		}),

		AuditWritesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketcore_audit_writes_total",
			Help: "Merged predictions persisted to the Audit Store",
		}),
	}

	prometheus.MustRegister(
		m.CacheHits, m.CacheMisses, m.CacheEvictions, m.HotTierCircuitState, m.HotTierCircuitTrips,
		m.ProviderFetchDur, m.ProviderFallbacks, m.ProviderExhausted, m.ProviderCoalesced,
		m.CandlesUpserted, m.CandleStoreQueryDur, m.CandleStoreOpenConns,
		m.CandlesDropped, m.PredictionsSanitized, m.PredictionsRejected,
		m.TrainingQueueDepth, m.TrainingDuplicates, m.BotPredictDur,
		m.MergesTotal, m.MergeDur, m.AllBotsRejected,
		m.SchedulerJobSkips, m.SchedulerJobRuns,
		m.SessionsActive, m.FanoutDropsTotal, m.SessionCloses,
		m.AuditWritesTotal,
	)

	return m
}

// HealthStatus is the mutable, lock-guarded state backing GET /health.
type HealthStatus struct {
	mu sync.RWMutex

	DBOK          bool      `json:"-"`
	CacheOK       bool      `json:"-"`
	SchedulerOK   bool      `json:"-"`
	DBLatencyMs   float64   `json:"-"`
	CacheLatencyMs float64  `json:"-"`
	LastCheckAt   time.Time `json:"-"`
	StartedAt     time.Time `json:"-"`
}

// NewHealthStatus returns a fresh health status stamped with the current
// time as the start time.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

func (h *HealthStatus) SetDBOK(v bool) {
	h.mu.Lock()
	h.DBOK = v
	h.mu.Unlock()
}

// SetCacheOK marks the cache component healthy. Used at startup when no
// hot tier is configured at all, so its absence never reads as degraded.
func (h *HealthStatus) SetCacheOK(v bool) {
	h.mu.Lock()
	h.CacheOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSchedulerOK(v bool) {
	h.mu.Lock()
	h.SchedulerOK = v
	h.mu.Unlock()
}

// CheckRedis pings the hot cache tier and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.CacheOK = err == nil
	h.CacheLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckDB pings the Candle Store's underlying database.
func (h *HealthStatus) CheckDB(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.DBOK = err == nil
	h.DBLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs dependency checks immediately and then on
// every interval tick, so /health reflects reality from startup rather
// than after the first period elapses.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, db *sql.DB, interval time.Duration) {
	probe := func() {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if rdb != nil {
			h.CheckRedis(probeCtx, rdb)
		}
		if db != nil {
			h.CheckDB(probeCtx, db)
		}
	}
	go func() {
		probe()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probe()
			}
		}
	}()
}

// ServeHTTP implements GET /health: {status, components:{db, cache, scheduler}}.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "healthy"
	code := http.StatusOK
	if !h.DBOK || !h.CacheOK || !h.SchedulerOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	if !h.DBOK {
		status = "unhealthy"
	}

	body := struct {
		Status     string `json:"status"`
		Uptime     string `json:"uptime"`
		Components struct {
			DB        bool `json:"db"`
			Cache     bool `json:"cache"`
			Scheduler bool `json:"scheduler"`
		} `json:"components"`
	}{Status: status, Uptime: time.Since(h.StartedAt).Round(time.Second).String()}
	body.Components.DB = h.DBOK
	body.Components.Cache = h.CacheOK
	body.Components.Scheduler = h.SchedulerOK

	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(body)
}

// Server exposes /metrics for Prometheus scraping.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer builds a metrics-only HTTP server (health lives on the
// Control Surface's own mux).
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{addr: addr, srv: &http.Server{Addr: addr, Handler: mux}}
}

func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
