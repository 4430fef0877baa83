// Package pipeline maps job types onto the sync, enrich and aggregate
// stages. The composite types run the three stages in order and nest each
// stage's result in the job result.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/albapepper/cedh-data/internal/aggregate"
	"github.com/albapepper/cedh-data/internal/config"
	"github.com/albapepper/cedh-data/internal/enrich"
	"github.com/albapepper/cedh-data/internal/ingest"
	"github.com/albapepper/cedh-data/internal/job"
	"github.com/albapepper/cedh-data/internal/worker"
)

// Syncer runs the sync stage.
type Syncer interface {
	Run(ctx context.Context, opts ingest.Options, cp job.Checkpoint) (*ingest.SyncStats, error)
}

// Enricher runs the enrichment stage.
type Enricher interface {
	Run(ctx context.Context, opts enrich.Options, cp job.Checkpoint) (*enrich.Stats, error)
}

// Aggregator runs the aggregation stage.
type Aggregator interface {
	Run(ctx context.Context, cp job.Checkpoint) (*aggregate.Stats, error)
}

// Result is a job result. Stages that did not run are omitted.
type Result struct {
	Sync      *ingest.SyncStats `json:"sync,omitempty"`
	Enrich    *enrich.Stats     `json:"enrich,omitempty"`
	Aggregate *aggregate.Stats  `json:"aggregate,omitempty"`
}

// Pipeline holds the stages.
type Pipeline struct {
	sync      Syncer
	enrich    Enricher
	aggregate Aggregator
	logger    *slog.Logger
	now       func() time.Time
}

func New(s Syncer, e Enricher, a Aggregator, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{sync: s, enrich: e, aggregate: a, logger: logger, now: time.Now}
}

// Handlers returns a worker handler for every job type.
func (p *Pipeline) Handlers() map[job.Type]worker.Handler {
	return map[job.Type]worker.Handler{
		job.TypeSync:        p.runSync,
		job.TypeEnrich:      p.runEnrich,
		job.TypeAggregate:   p.runAggregate,
		job.TypeDailyUpdate: p.runDailyUpdate,
		job.TypeFullSeed:    p.runFullSeed,
	}
}

// SyncOptions translates a job config into sync options.
func SyncOptions(cfg job.Config) ingest.Options {
	opts := ingest.Options{
		Cursor:       cfg.Cursor,
		LookbackDays: cfg.DaysBack,
		BatchSize:    cfg.BatchSize,
	}
	if t, ok := cfg.Start(); ok {
		opts.Start = t
	}
	if t, ok := cfg.End(); ok {
		opts.End = t
	}
	return opts
}

// continuation returns the sync job that resumes where stats stopped, or nil
// when the run finished.
func continuation(j *job.Job, cfg job.Config, stats *ingest.SyncStats) *job.EnqueueParams {
	if stats == nil || stats.Complete || stats.Cursor == "" {
		return nil
	}
	cfg.Cursor = stats.Cursor
	return &job.EnqueueParams{
		Type:              job.TypeSync,
		Config:            cfg,
		Priority:          j.Priority,
		MaxRuntimeSeconds: j.MaxRuntimeSeconds,
	}
}

// resume returns the config a retry runs with when the sync stopped short
// with a cursor, or nil to retry with the original config.
func resume(cfg job.Config, stats *ingest.SyncStats) *job.Config {
	if stats == nil || stats.Complete || stats.Cursor == "" {
		return nil
	}
	cfg.Cursor = stats.Cursor
	return &cfg
}

func (p *Pipeline) runSync(ctx context.Context, j *job.Job, cp job.Checkpoint) (worker.Outcome, error) {
	cfg, err := j.ParseConfig()
	if err != nil {
		return worker.Outcome{}, err
	}
	stats, err := p.sync.Run(ctx, SyncOptions(cfg), cp)
	res := &Result{Sync: stats}
	if err != nil {
		return worker.Outcome{Result: res, Resume: resume(cfg, stats)}, err
	}
	return worker.Outcome{Result: res, Next: continuation(j, cfg, stats)}, nil
}

func (p *Pipeline) runEnrich(ctx context.Context, j *job.Job, cp job.Checkpoint) (worker.Outcome, error) {
	cfg, err := j.ParseConfig()
	if err != nil {
		return worker.Outcome{}, err
	}
	stats, err := p.enrich.Run(ctx, enrich.Options{
		Incremental:    cfg.IsIncremental(),
		SkipValidation: cfg.SkipValidation,
	}, cp)
	return worker.Outcome{Result: &Result{Enrich: stats}}, err
}

func (p *Pipeline) runAggregate(ctx context.Context, _ *job.Job, cp job.Checkpoint) (worker.Outcome, error) {
	stats, err := p.aggregate.Run(ctx, cp)
	return worker.Outcome{Result: &Result{Aggregate: stats}}, err
}

// runDailyUpdate syncs the last days_back days, then enriches incrementally
// and rebuilds the stats.
func (p *Pipeline) runDailyUpdate(ctx context.Context, j *job.Job, cp job.Checkpoint) (worker.Outcome, error) {
	cfg, err := j.ParseConfig()
	if err != nil {
		return worker.Outcome{}, err
	}
	days := cfg.DaysBack
	if days <= 0 {
		days = config.DefaultLookbackDays
	}
	opts := SyncOptions(cfg)
	if opts.Cursor == "" && opts.Start.IsZero() {
		opts.Start = p.now().UTC().AddDate(0, 0, -days)
	}
	return p.composite(ctx, j, cfg, opts, enrich.Options{Incremental: true, SkipValidation: cfg.SkipValidation}, cp)
}

// runFullSeed syncs from start_date (six months back by default), then
// recomputes every derived field and rebuilds the stats.
func (p *Pipeline) runFullSeed(ctx context.Context, j *job.Job, cp job.Checkpoint) (worker.Outcome, error) {
	cfg, err := j.ParseConfig()
	if err != nil {
		return worker.Outcome{}, err
	}
	opts := SyncOptions(cfg)
	if opts.Cursor == "" && opts.Start.IsZero() {
		opts.Start = p.now().UTC().AddDate(0, -config.DefaultSeedMonths, 0)
	}
	return p.composite(ctx, j, cfg, opts, enrich.Options{Incremental: false, SkipValidation: cfg.SkipValidation}, cp)
}

// composite runs sync, enrich and aggregate. A sync that stops early still
// lets the later stages run over what was synced; the rest is left to a
// continuation sync job. When a stage fails, the retry resumes the sync from
// its cursor.
func (p *Pipeline) composite(ctx context.Context, j *job.Job, cfg job.Config,
	syncOpts ingest.Options, enrichOpts enrich.Options, cp job.Checkpoint) (worker.Outcome, error) {
	res := &Result{}

	stats, err := p.sync.Run(ctx, syncOpts, cp)
	res.Sync = stats
	if err != nil {
		return worker.Outcome{Result: res, Resume: resume(cfg, stats)}, fmt.Errorf("sync: %w", err)
	}
	p.logger.Info("Sync stage finished", "job_id", j.ID, "summary", stats.Summary())

	res.Enrich, err = p.enrich.Run(ctx, enrichOpts, cp)
	if err != nil {
		return worker.Outcome{Result: res, Resume: resume(cfg, stats)}, fmt.Errorf("enrich: %w", err)
	}
	p.logger.Info("Enrich stage finished", "job_id", j.ID, "summary", res.Enrich.Summary())

	res.Aggregate, err = p.aggregate.Run(ctx, cp)
	if err != nil {
		return worker.Outcome{Result: res, Resume: resume(cfg, stats)}, fmt.Errorf("aggregate: %w", err)
	}
	p.logger.Info("Aggregate stage finished", "job_id", j.ID, "summary", res.Aggregate.Summary())

	// The continuation is a plain sync; the stages after it already ran.
	cfg.SkipValidation = false
	cfg.Incremental = nil
	return worker.Outcome{Result: res, Next: continuation(j, cfg, stats)}, nil
}
