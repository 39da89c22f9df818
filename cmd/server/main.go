// Command server boots every process-wide singleton the core needs (the
// Cache Tier, the Bot Registry, and the Scheduler), wires the rest of the
// components around them, and serves the Control Surface and
// Subscription Fabric until a termination signal arrives: parse env,
// construct dependencies bottom-up, launch background loops, serve,
// wait on SIGINT/SIGTERM, shut down in reverse order.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"marketcore/config"
	"marketcore/internal/audit"
	"marketcore/internal/bot"
	"marketcore/internal/bot/reference"
	"marketcore/internal/cache"
	"marketcore/internal/candlestore"
	"marketcore/internal/control"
	"marketcore/internal/merger"
	"marketcore/internal/metrics"
	"marketcore/internal/model"
	"marketcore/internal/provider"
	"marketcore/internal/scheduler"
	"marketcore/internal/subfabric"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[marketcore] starting...")

	cfg := config.Load()
	m := metrics.New()
	health := metrics.NewHealthStatus()

	cacheTier := cache.New(cache.Config{
		HotAddr:     cfg.HotCacheURL,
		HotPassword: cfg.HotCachePassword,
		TTL:         cfg.CacheTTL,
		MaxEntries:  cfg.CacheMaxEntries,
	}, m)
	defer cacheTier.Close()

	gateway := provider.New(buildProviders(cfg), cacheTier, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	candleStore, err := candlestore.Open(ctx, candlestore.Config{
		DBPath:        cfg.DBPath,
		PoolSize:      cfg.DBPoolSize,
		PoolOverflow:  cfg.DBPoolOverflow,
		ConnectionTTL: cfg.DBConnectionTTL,
	}, m)
	if err != nil {
		log.Fatalf("[marketcore] candle store: %v", err)
	}
	defer candleStore.Close()

	auditStore, err := audit.Open(ctx, audit.Config{
		DBPath:        cfg.AuditDBPath,
		ConnectionTTL: cfg.DBConnectionTTL,
	}, m)
	if err != nil {
		log.Fatalf("[marketcore] audit store: %v", err)
	}
	defer auditStore.Close()

	registry := bot.NewRegistry(cfg.ArtifactDir)
	registry.Register(reference.NewMAProjection())
	registry.Register(reference.NewRandomWalk(time.Now().UnixNano()))

	predMerger := merger.New(candleStore, registry, auditStore, m)
	predMerger.MergerTimeout = cfg.MergerTimeout
	predMerger.BotPredictBudget = cfg.BotPredictTimeout

	defaultWatch := parseWatchList(cfg.DefaultWatchList)
	hub := subfabric.New(m, defaultWatch, cfg.AllowedOrigins)
	hub.QueueDepth = cfg.SubscriptionQueueDepth
	hub.HeartbeatInterval = cfg.HeartbeatInterval
	hub.HeartbeatTimeout = cfg.HeartbeatTimeout

	trainQueue := bot.NewTrainingQueue(registry, candleStore, 1, m, hub.BroadcastTrainingStatus)
	trainQueue.Start(ctx)

	sched := scheduler.New(m)
	sched.Register(scheduler.NewRealtimeRefreshJob(cfg.SchedulerRealtimeInterval, hub, gateway, candleStore, hub))
	sched.Register(scheduler.NewPredictionEmissionJob(cfg.SchedulerPredictionInterval, cfg.DefaultHorizonMins, hub, predMerger, hub))
	sched.Register(scheduler.NewEvaluationJob(cfg.SchedulerPredictionInterval, auditStore, candleStore))
	sched.Start(ctx)
	health.SetSchedulerOK(true)

	var rdb *goredis.Client
	if cfg.HotCacheURL != "" {
		rdb = goredis.NewClient(&goredis.Options{Addr: cfg.HotCacheURL, Password: cfg.HotCachePassword})
	} else {
		health.SetCacheOK(true) // no hot tier configured: nothing to be degraded
	}
	health.SetDBOK(true) // both stores pinged successfully above
	health.StartLivenessChecker(ctx, rdb, candleStore.DB(), 15*time.Second)

	surface := &control.Surface{
		Candles:               candleStore,
		Gateway:               gateway,
		Merger:                predMerger,
		Predictions:           auditStore,
		Training:              trainQueue,
		Hub:                   hub,
		Health:                health,
		DefaultHorizonMinutes: cfg.DefaultHorizonMins,
		AllowedOrigins:        cfg.AllowedOrigins,
	}
	apiServer := &http.Server{Addr: cfg.HTTPAddr, Handler: control.NewRouter(surface)}

	metricsServer := metrics.NewServer(cfg.MetricsAddr)
	metricsServer.Start()

	go func() {
		log.Printf("[marketcore] control surface listening on %s", cfg.HTTPAddr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[marketcore] control surface error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("[marketcore] shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	apiServer.Shutdown(shutdownCtx)
	metricsServer.Stop(shutdownCtx)
}

// buildProviders constructs the ordered provider.Adapter chain from
// cfg.PrimaryProvider followed by cfg.FallbackProviders, skipping any
// name it doesn't recognize (logged, not fatal — a typo'd fallback
// shouldn't prevent startup).
func buildProviders(cfg *config.Config) []provider.Adapter {
	names := append([]string{cfg.PrimaryProvider}, cfg.FallbackProviders...)
	seen := make(map[string]bool, len(names))
	out := make([]provider.Adapter, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(strings.ToLower(name))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		switch name {
		case "yahoo":
			out = append(out, provider.NewYahooAdapter())
		case "twelvedata":
			out = append(out, provider.NewTwelveDataAdapter(cfg.TwelveDataAPIKey))
		case "angelone":
			out = append(out, provider.NewAngelOneAdapter(cfg.AngelOneAPIKey, cfg.AngelOneClientCode, cfg.AngelOnePassword, cfg.AngelOneTOTPSecret))
		default:
			log.Printf("[marketcore] unknown provider %q in configuration, skipping", name)
		}
	}
	return out
}

// parseWatchList turns "SYMBOL:TIMEFRAME" pairs into the Scheduler's
// default active set, skipping malformed or unrecognized entries.
func parseWatchList(pairs []string) []scheduler.WatchTopic {
	out := make([]scheduler.WatchTopic, 0, len(pairs))
	for _, pair := range pairs {
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			continue
		}
		tf := model.Timeframe(parts[1])
		if !tf.Valid() {
			log.Printf("[marketcore] default watch list entry %q has an unknown timeframe, skipping", pair)
			continue
		}
		out = append(out, scheduler.WatchTopic{Symbol: parts[0], Timeframe: tf})
	}
	return out
}
