// Package config loads the core's configuration from environment
// variables (optionally via a .env file), following the same
// mustEnv/getEnv discipline the service has always used: required
// settings abort startup, everything else has a documented default.
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every recognized option from the external interface table.
type Config struct {
	// Provider Gateway
	PrimaryProvider   string
	FallbackProviders []string
	ProviderTimeout   time.Duration

	// Provider credentials. Empty values are fine for providers never
	// selected as primary or fallback; the adapter is only constructed
	// for providers actually named in PrimaryProvider/FallbackProviders.
	TwelveDataAPIKey   string
	AngelOneAPIKey     string
	AngelOneClientCode string
	AngelOnePassword   string
	AngelOneTOTPSecret string

	// Cache Tier
	CacheTTL         time.Duration
	CacheMaxEntries  int
	HotCacheURL      string
	HotCachePassword string

	// Scheduler
	SchedulerRealtimeInterval   time.Duration
	SchedulerPredictionInterval time.Duration
	MaxInstancesPerJob          int
	MisfireGrace                time.Duration

	// Bot / Merger budgets
	BotPredictTimeout  time.Duration
	MergerTimeout      time.Duration
	DefaultHorizonMins int

	// Candle Store
	DBPath          string
	DBPoolSize      int
	DBPoolOverflow  int
	DBConnectionTTL time.Duration

	// Audit Store
	AuditDBPath string

	// Bot artifacts
	ArtifactDir string

	// Subscription Fabric
	SubscriptionQueueDepth int
	HeartbeatInterval      time.Duration
	HeartbeatTimeout       time.Duration

	// Default watch list: comma-separated symbol:timeframe pairs always
	// kept active by the Scheduler regardless of live subscriptions.
	DefaultWatchList []string

	// Control Surface
	HTTPAddr    string
	MetricsAddr string

	// Allowed CORS origins, comma-separated; "*" means any.
	AllowedOrigins []string
}

// Load reads configuration from the process environment, after loading a
// .env file in the working directory if one is present (absence is not
// an error — this mirrors the optional-overlay convention godotenv is
// built for).
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		PrimaryProvider:   getEnv("PRIMARY_PROVIDER", "yahoo"),
		FallbackProviders: splitCSV(getEnv("FALLBACK_PROVIDERS", "twelvedata")),
		ProviderTimeout:   getEnvSeconds("PROVIDER_TIMEOUT_SECONDS", 10),

		TwelveDataAPIKey:   getEnv("TWELVEDATA_API_KEY", ""),
		AngelOneAPIKey:     getEnv("ANGELONE_API_KEY", ""),
		AngelOneClientCode: getEnv("ANGELONE_CLIENT_CODE", ""),
		AngelOnePassword:   getEnv("ANGELONE_PASSWORD", ""),
		AngelOneTOTPSecret: getEnv("ANGELONE_TOTP_SECRET", ""),

		CacheTTL:         getEnvSeconds("CACHE_TTL_SECONDS", 30),
		CacheMaxEntries:  getEnvInt("CACHE_MAX_ENTRIES", 1024),
		HotCacheURL:      getEnv("HOT_CACHE_URL", ""),
		HotCachePassword: getEnv("HOT_CACHE_PASSWORD", ""),

		SchedulerRealtimeInterval:   getEnvSeconds("SCHEDULER_REALTIME_INTERVAL_SECONDS", 5),
		SchedulerPredictionInterval: getEnvSeconds("SCHEDULER_PREDICTION_INTERVAL_SECONDS", 300),
		MaxInstancesPerJob:          getEnvInt("MAX_INSTANCES_PER_JOB", 3),
		MisfireGrace:                getEnvSeconds("MISFIRE_GRACE_SECONDS", 10),

		BotPredictTimeout:  getEnvSeconds("BOT_PREDICT_TIMEOUT_SECONDS", 8),
		MergerTimeout:      getEnvSeconds("MERGER_TIMEOUT_SECONDS", 30),
		DefaultHorizonMins: getEnvInt("DEFAULT_HORIZON_MINUTES", 180),

		DBPath:          getEnv("DB_PATH", "data/candles.db"),
		DBPoolSize:      getEnvInt("DB_POOL_SIZE", 20),
		DBPoolOverflow:  getEnvInt("DB_POOL_OVERFLOW", 40),
		DBConnectionTTL: getEnvSeconds("DB_CONNECTION_TTL_SECONDS", 3600),

		AuditDBPath: getEnv("AUDIT_DB_PATH", "data/audit.db"),
		ArtifactDir: getEnv("ARTIFACT_DIR", "data/artifacts"),

		SubscriptionQueueDepth: getEnvInt("SUBSCRIPTION_QUEUE_DEPTH", 64),
		HeartbeatInterval:      getEnvSeconds("HEARTBEAT_SECONDS", 30),
		HeartbeatTimeout:       getEnvSeconds("HEARTBEAT_TIMEOUT_SECONDS", 60),

		DefaultWatchList: splitCSV(getEnv("DEFAULT_WATCH_LIST", "INFY.NS:5m,TCS.NS:5m")),

		HTTPAddr:       getEnv("HTTP_ADDR", ":8080"),
		MetricsAddr:    getEnv("METRICS_ADDR", ":9090"),
		AllowedOrigins: splitCSV(getEnv("ALLOWED_ORIGINS", "*")),
	}
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid int for %s=%q, using default %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvSeconds(key string, fallbackSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, fallbackSeconds)) * time.Second
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
