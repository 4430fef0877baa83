// Package maintenance runs the queue's periodic background tasks: the stuck
// job sweep, the finished-job cleanup, and the scheduled daily_update.
// Everything is driven from the worker process since it is already
// long-running.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/albapepper/cedh-data/internal/config"
	"github.com/albapepper/cedh-data/internal/job"
	"github.com/albapepper/cedh-data/internal/lock"
)

// Store is the queue surface maintenance needs.
type Store interface {
	ResetStuck(ctx context.Context, p job.StuckPolicy, fail bool) (int64, error)
	PurgeFinished(ctx context.Context, olderThan time.Duration) (int64, error)
	HasActive(ctx context.Context, t job.Type) (bool, error)
	Enqueue(ctx context.Context, p job.EnqueueParams) (int64, error)
}

// Config controls maintenance task intervals. Zero duration disables a task.
type Config struct {
	SweepInterval   time.Duration // Stuck running jobs back to pending
	Stuck           job.StuckPolicy
	CleanupInterval time.Duration // Finished jobs past retention
	Retention       time.Duration
	DailyUpdateCron string // Empty disables the scheduled daily_update
}

// ConfigFrom maps the environment configuration onto Config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		SweepInterval:   cfg.MaintenanceInterval,
		Stuck:           job.NewStuckPolicy(cfg.StuckTimeout),
		CleanupInterval: 6 * time.Hour,
		Retention:       cfg.JobRetentionDuration,
		DailyUpdateCron: cfg.DailyUpdateCron,
	}
}

// cronParser accepts standard five-field specs and descriptors like @daily.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Start launches all configured maintenance tasks. Blocks until ctx is
// cancelled. Intended to be called with `go`. A malformed cron spec is
// reported before anything starts.
func Start(ctx context.Context, store Store, locker lock.Locker, cfg Config, logger *slog.Logger) error {
	var scheduler *cron.Cron
	if cfg.DailyUpdateCron != "" {
		scheduler = cron.New(cron.WithParser(cronParser), cron.WithLocation(time.UTC))
		if _, err := scheduler.AddFunc(cfg.DailyUpdateCron, func() {
			EnqueueDailyUpdate(ctx, store, locker, logger)
		}); err != nil {
			return fmt.Errorf("parse DAILY_UPDATE_CRON %q: %w", cfg.DailyUpdateCron, err)
		}
	}

	logger.Info("Maintenance tasks started",
		"sweep", cfg.SweepInterval,
		"cleanup", cfg.CleanupInterval,
		"daily_update_cron", cfg.DailyUpdateCron)

	tickers := make([]*time.Ticker, 0, 2)
	defer func() {
		for _, t := range tickers {
			t.Stop()
		}
	}()

	if cfg.SweepInterval > 0 && cfg.Stuck.Timeout > 0 {
		t := time.NewTicker(cfg.SweepInterval)
		tickers = append(tickers, t)
		go runLoop(ctx, t.C, func() { SweepStuck(ctx, store, cfg.Stuck, logger) })
	}

	if cfg.CleanupInterval > 0 && cfg.Retention > 0 {
		t := time.NewTicker(cfg.CleanupInterval)
		tickers = append(tickers, t)
		go runLoop(ctx, t.C, func() { Cleanup(ctx, store, cfg.Retention, logger) })
	}

	if scheduler != nil {
		scheduler.Start()
		defer func() { <-scheduler.Stop().Done() }()
	}

	<-ctx.Done()
	logger.Info("Maintenance tasks stopped")
	return nil
}

func runLoop(ctx context.Context, ch <-chan time.Time, fn func()) {
	for {
		select {
		case <-ch:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

// --------------------------------------------------------------------------
// Task implementations
// --------------------------------------------------------------------------

// SweepStuck returns jobs running past the policy's threshold to pending.
// A job inside its own runtime budget is never swept.
func SweepStuck(ctx context.Context, store Store, p job.StuckPolicy, logger *slog.Logger) {
	n, err := store.ResetStuck(ctx, p, false)
	if err != nil {
		logger.Warn("Stuck sweep: failed", "error", err)
	} else if n > 0 {
		logger.Warn("Stuck sweep: reset jobs to pending", "count", n, "timeout", p.Timeout, "grace", p.Grace)
	}
}

// Cleanup purges completed, failed and cancelled jobs older than retention.
func Cleanup(ctx context.Context, store Store, retention time.Duration, logger *slog.Logger) {
	n, err := store.PurgeFinished(ctx, retention)
	if err != nil {
		logger.Warn("Cleanup: failed to purge finished jobs", "error", err)
	} else if n > 0 {
		logger.Info("Cleanup: purged finished jobs", "count", n)
	}
}

// dailyUpdatePriority matches the operator CLI's default for daily updates.
const dailyUpdatePriority = 5

// EnqueueDailyUpdate adds a daily_update unless one is pending or running.
// The schedule lock keeps several workers firing the same cron tick from
// enqueuing twice.
func EnqueueDailyUpdate(ctx context.Context, store Store, locker lock.Locker, logger *slog.Logger) (int64, bool) {
	release, ok, err := locker.TryLock(ctx, "schedule:daily_update")
	if err != nil {
		logger.Warn("Scheduler: failed to take schedule lock", "error", err)
		return 0, false
	}
	if !ok {
		return 0, false
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Scheduler: failed to release schedule lock", "error", err)
		}
	}()

	active, err := store.HasActive(ctx, job.TypeDailyUpdate)
	if err != nil {
		logger.Warn("Scheduler: failed to check for active daily_update", "error", err)
		return 0, false
	}
	if active {
		logger.Info("Scheduler: daily_update already queued, skipping")
		return 0, false
	}

	id, err := store.Enqueue(ctx, job.EnqueueParams{Type: job.TypeDailyUpdate, Priority: dailyUpdatePriority})
	if err != nil {
		logger.Warn("Scheduler: failed to enqueue daily_update", "error", err)
		return 0, false
	}
	logger.Info("Scheduler: enqueued daily_update", "job_id", id)
	return id, true
}

// ValidateCron reports whether spec is a schedule Start accepts.
func ValidateCron(spec string) error {
	if spec == "" {
		return nil
	}
	_, err := cronParser.Parse(spec)
	return err
}
