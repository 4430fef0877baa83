// Package config provides centralized configuration loaded from environment
// variables. Shared by both cmd/worker and cmd/ingest.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/albapepper/cedh-data/internal/apperr"
)

// --------------------------------------------------------------------------
// Pipeline constants
// --------------------------------------------------------------------------

const (
	DefaultLookbackDays   = 7
	DefaultSeedMonths     = 6
	DefaultConcurrency    = 5
	DefaultMaxRuntime     = time.Hour
	SeedJobMaxRuntime     = 8 * time.Hour
	DefaultValidationConc = 10

	// MinStatsDate is the earliest tournament date the aggregation considers.
	MinStatsDate = "2024-06-01"
)

// --------------------------------------------------------------------------
// Config struct, populated from environment variables
// --------------------------------------------------------------------------

type Config struct {
	// Database
	DatabaseURL    string
	DBPoolMinConns int
	DBPoolMaxConns int
	DBPoolMaxLife  time.Duration

	// Worker
	WorkerID             string
	PollInterval         time.Duration
	ErrorBackoff         time.Duration
	MaxStoreFailures     int
	ShutdownGrace        time.Duration
	JobMaxRetries        int
	StuckTimeout         time.Duration
	DailyUpdateCron      string
	CancelCheckInterval  time.Duration
	MaintenanceEnabled   bool
	MaintenanceInterval  time.Duration
	JobRetentionDuration time.Duration

	// Upstreams
	TopdeckAPIURL         string
	TopdeckAPIKey         string
	MoxfieldAPIURL        string
	DeckRequestsPerSecond float64
	DeckMaxRetries        int
	SyncConcurrency       int
	ScryfallBulkURL       string
	ScrollrackURL         string
	ValidationConcurrency int

	// Aggregation lock
	RedisURL string

	// Ops HTTP surface
	OpsHost           string
	OpsPort           int
	CORSAllowOrigins  []string
	CacheEnabled      bool
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration

	LogLevel slog.Level
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	dbURL := envOr("DATABASE_URL", "")
	if dbURL == "" {
		return nil, &apperr.FatalConfigError{Key: "DATABASE_URL"}
	}

	return &Config{
		DatabaseURL:    dbURL,
		DBPoolMinConns: envInt("DB_POOL_MIN_CONNS", 2),
		DBPoolMaxConns: envInt("DB_POOL_MAX_CONNS", 10),
		DBPoolMaxLife:  time.Duration(envInt("DB_POOL_MAX_LIFE_MINUTES", 30)) * time.Minute,

		WorkerID:             envOr("WORKER_ID", DefaultWorkerID()),
		PollInterval:         envDuration("WORKER_POLL_INTERVAL", 60*time.Second),
		ErrorBackoff:         envDuration("WORKER_ERROR_BACKOFF", 30*time.Second),
		MaxStoreFailures:     envInt("WORKER_MAX_STORE_FAILURES", 10),
		ShutdownGrace:        envDuration("WORKER_SHUTDOWN_GRACE", 30*time.Second),
		JobMaxRetries:        envInt("JOB_MAX_RETRIES", 3),
		StuckTimeout:         envDuration("JOB_STUCK_TIMEOUT", 4*time.Hour),
		DailyUpdateCron:      envOr("DAILY_UPDATE_CRON", "0 6 * * *"),
		CancelCheckInterval:  envDuration("JOB_CANCEL_CHECK_INTERVAL", 5*time.Second),
		MaintenanceEnabled:   envBool("MAINTENANCE_ENABLED", true),
		MaintenanceInterval:  envDuration("MAINTENANCE_INTERVAL", 15*time.Minute),
		JobRetentionDuration: envDuration("JOB_RETENTION", 30*24*time.Hour),

		TopdeckAPIURL:         envOr("TOPDECK_API_URL", "https://topdeck.gg/api/v2"),
		TopdeckAPIKey:         envOr("TOPDECK_API_KEY", ""),
		MoxfieldAPIURL:        envOr("MOXFIELD_API_URL", "https://api2.moxfield.com/v3"),
		DeckRequestsPerSecond: envFloat("DECK_REQUESTS_PER_SECOND", 0.2),
		DeckMaxRetries:        envInt("DECK_MAX_RETRIES", 5),
		SyncConcurrency:       envInt("SYNC_CONCURRENCY", DefaultConcurrency),
		ScryfallBulkURL:       envOr("SCRYFALL_BULK_URL", "https://api.scryfall.com/bulk-data"),
		ScrollrackURL:         envOr("SCROLLRACK_URL", "https://scrollrack.topdeck.gg/api/validate"),
		ValidationConcurrency: envInt("VALIDATION_CONCURRENCY", DefaultValidationConc),

		RedisURL: envOr("REDIS_URL", ""),

		OpsHost: envOr("OPS_HOST", "127.0.0.1"),
		OpsPort: envInt("OPS_PORT", 8090),
		CORSAllowOrigins: envList("CORS_ALLOW_ORIGINS", []string{
			"http://localhost:3000",
		}),
		CacheEnabled:      envBool("CACHE_ENABLED", true),
		RateLimitEnabled:  envBool("RATE_LIMIT_ENABLED", true),
		RateLimitRequests: envInt("RATE_LIMIT_REQUESTS", 100),
		RateLimitWindow:   envDuration("RATE_LIMIT_WINDOW", time.Minute),

		LogLevel: envLevel("LOG_LEVEL", slog.LevelInfo),
	}, nil
}

// RequireTopdeck returns a FatalConfigError when the tournament provider
// credentials are missing.
func (c *Config) RequireTopdeck() error {
	if c.TopdeckAPIKey == "" {
		return &apperr.FatalConfigError{Key: "TOPDECK_API_KEY"}
	}
	return nil
}

// DefaultWorkerID returns "worker-" followed by the first 8 characters of a
// random UUID.
func DefaultWorkerID() string {
	return "worker-" + uuid.NewString()[:8]
}

// --------------------------------------------------------------------------
// Env helpers
// --------------------------------------------------------------------------

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return fallback
}

// envDuration accepts Go duration strings ("90s", "4h") or a bare number of
// seconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return fallback
}

func envLevel(key string, fallback slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		return fallback
	}
	return lvl
}
