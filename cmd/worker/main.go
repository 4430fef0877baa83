// Command worker is the cEDH data pipeline worker daemon.
//
// It claims jobs from the Postgres queue and runs them one at a time. The
// same process hosts the LISTEN/NOTIFY wake-up, the maintenance tickers, the
// scheduled daily_update and the operator HTTP API.
//
// Usage:
//
//	cedh-worker
//	WORKER_ID=worker-a OPS_PORT=0 cedh-worker

// @title cEDH Data Ops API
// @version 1.0.0
// @description Operator surface for the tournament ETL worker: job queue inspection and control, health checks, and card confidence scores.
// @host localhost:8090
// @BasePath /
// @schemes http
// @contact.name cEDH Data
// @license.name MIT
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/albapepper/cedh-data/internal/aggregate"
	"github.com/albapepper/cedh-data/internal/api"
	"github.com/albapepper/cedh-data/internal/apperr"
	"github.com/albapepper/cedh-data/internal/cache"
	"github.com/albapepper/cedh-data/internal/config"
	"github.com/albapepper/cedh-data/internal/db"
	"github.com/albapepper/cedh-data/internal/job"
	"github.com/albapepper/cedh-data/internal/listener"
	"github.com/albapepper/cedh-data/internal/lock"
	"github.com/albapepper/cedh-data/internal/maintenance"
	"github.com/albapepper/cedh-data/internal/pipeline"
	"github.com/albapepper/cedh-data/internal/worker"

	_ "github.com/albapepper/cedh-data/docs" // swagger docs
)

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("Worker exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	// Context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := maintenance.ValidateCron(cfg.DailyUpdateCron); err != nil {
		return &apperr.FatalConfigError{Key: "DAILY_UPDATE_CRON", Msg: err.Error()}
	}

	logger.Info("Connecting to database...")
	pool, err := db.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info("Database connected",
		"min_conns", cfg.DBPoolMinConns,
		"max_conns", cfg.DBPoolMaxConns)

	locker, err := lock.New(cfg.RedisURL, pool, logger)
	if err != nil {
		return fmt.Errorf("create lock: %w", err)
	}
	logger.Info("Aggregation lock ready", "backend", lockBackend(cfg))

	jobs := job.NewPgStore(pool)
	appCache := cache.New(cfg.CacheEnabled)

	stages := pipeline.NewStages(cfg, pool, locker, logger)
	p := pipeline.New(stages.Syncer, stages.Enricher, purgeOnRebuild{stages.Aggregator, appCache}, logger)

	w := worker.New(jobs, p.Handlers(), worker.OptionsFromConfig(cfg), nil, logger)

	// Wake an idle worker as soon as a job is inserted
	go listener.Start(ctx, cfg.DatabaseURL, func(ev listener.Event) {
		logger.Debug("Job enqueued notification", "job_id", ev.ID, "job_type", ev.JobType)
		w.Wake()
	}, logger)

	if cfg.MaintenanceEnabled {
		go func() {
			if err := maintenance.Start(ctx, jobs, locker, maintenance.ConfigFrom(cfg), logger); err != nil {
				logger.Error("Maintenance failed to start", "error", err)
			}
		}()
	}

	var srv *http.Server
	if cfg.OpsPort > 0 {
		go appCache.Run(ctx, time.Minute)
		srv = startOpsServer(cfg, api.Deps{
			Jobs:    jobs,
			Records: aggregate.NewPgStore(pool),
			DB:      pool,
			Cache:   appCache,
		}, logger)
	}

	runErr := w.Run(ctx)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Ops server shutdown error", "error", err)
		}
	}
	logger.Info("Worker stopped", "worker_id", w.ID())
	return runErr
}

func startOpsServer(cfg *config.Config, deps api.Deps, logger *slog.Logger) *http.Server {
	addr := fmt.Sprintf("%s:%d", cfg.OpsHost, cfg.OpsPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.NewRouter(deps, cfg),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("Starting ops API",
			"addr", addr,
			"docs", fmt.Sprintf("http://%s/docs/", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Ops server failed", "error", err)
		}
	}()
	return srv
}

func lockBackend(cfg *config.Config) string {
	if cfg.RedisURL != "" {
		return "redis"
	}
	return "postgres"
}

// purgeOnRebuild drops cached confidence responses once the weekly tables
// have been rewritten.
type purgeOnRebuild struct {
	*aggregate.Aggregator
	cache *cache.Cache
}

func (p purgeOnRebuild) Run(ctx context.Context, cp job.Checkpoint) (*aggregate.Stats, error) {
	stats, err := p.Aggregator.Run(ctx, cp)
	if err == nil && stats != nil && !stats.Skipped {
		p.cache.Purge()
	}
	return stats, err
}
