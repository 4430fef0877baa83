// Command ingest is the cEDH data operator CLI.
//
// Usage:
//
//	cedh-ingest jobs enqueue daily_update --days-back 3
//	cedh-ingest jobs enqueue sync --start-date 2025-01-01 --max-runtime 1800
//	cedh-ingest jobs cancel 42
//	cedh-ingest jobs cancel --pending
//	cedh-ingest jobs list
//	cedh-ingest jobs reset-stuck --timeout 240 --list
//	cedh-ingest run sync --days-back 7
//	cedh-ingest run enrich --full
//	cedh-ingest run aggregate
//	cedh-ingest migrate
//	cedh-ingest confidence --commander <id> --card <id>
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/albapepper/cedh-data/internal/aggregate"
	"github.com/albapepper/cedh-data/internal/confidence"
	"github.com/albapepper/cedh-data/internal/config"
	"github.com/albapepper/cedh-data/internal/db"
	"github.com/albapepper/cedh-data/internal/enrich"
	"github.com/albapepper/cedh-data/internal/job"
	"github.com/albapepper/cedh-data/internal/lock"
	"github.com/albapepper/cedh-data/internal/pipeline"
)

var logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	root := &cobra.Command{
		Use:           "cedh-ingest",
		Short:         "cEDH data pipeline operator CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(jobsCmd())
	root.AddCommand(runCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(confidenceCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.New(color.FgRed).Sprint("Error:"), err)
		os.Exit(1)
	}
}

// --------------------------------------------------------------------------
// jobs command
// --------------------------------------------------------------------------

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and control the job queue",
	}
	cmd.AddCommand(jobsEnqueueCmd())
	cmd.AddCommand(jobsCancelCmd())
	cmd.AddCommand(jobsListCmd())
	cmd.AddCommand(jobsResetStuckCmd())
	return cmd
}

// configFlags are the job config keys exposed as flags.
type configFlags struct {
	raw            string
	daysBack       int
	startDate      string
	endDate        string
	cursor         string
	batchSize      int
	full           bool
	skipValidation bool
}

func (f *configFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.daysBack, "days-back", 0, "Days to look back when no start date is given")
	cmd.Flags().StringVar(&f.startDate, "start-date", "", "First tournament day (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.endDate, "end-date", "", "Last tournament day (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.cursor, "cursor", "", "Resume point from a previous sync")
	cmd.Flags().IntVar(&f.batchSize, "batch-size", 0, "Max standings persisted per sync (0 = unlimited)")
	cmd.Flags().BoolVar(&f.full, "full", false, "Recompute every derived field instead of only missing ones")
	cmd.Flags().BoolVar(&f.skipValidation, "skip-validation", false, "Skip decklist validation during enrichment")
}

// build merges --config JSON with the individual flags; flags win.
func (f *configFlags) build(cmd *cobra.Command) (job.Config, error) {
	var c job.Config
	if f.raw != "" {
		if err := json.Unmarshal([]byte(f.raw), &c); err != nil {
			return c, fmt.Errorf("parse --config: %w", err)
		}
	}
	if cmd.Flags().Changed("days-back") {
		c.DaysBack = f.daysBack
	}
	if f.startDate != "" {
		c.StartDate = f.startDate
	}
	if f.endDate != "" {
		c.EndDate = f.endDate
	}
	if f.cursor != "" {
		c.Cursor = f.cursor
	}
	if cmd.Flags().Changed("batch-size") {
		c.BatchSize = f.batchSize
	}
	if f.full {
		incremental := false
		c.Incremental = &incremental
	}
	if f.skipValidation {
		c.SkipValidation = true
	}
	return c, c.Validate()
}

func jobsEnqueueCmd() *cobra.Command {
	var (
		flags      configFlags
		priority   int
		maxRuntime int
	)
	cmd := &cobra.Command{
		Use:   "enqueue <type>",
		Short: "Add a pending job (sync, enrich, aggregate, daily_update, full_seed)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := job.ParseType(args[0])
			if err != nil {
				return err
			}
			c, err := flags.build(cmd)
			if err != nil {
				return err
			}
			p := job.EnqueueParams{Type: t, Config: c, Priority: priority}
			if maxRuntime > 0 {
				p.MaxRuntimeSeconds = &maxRuntime
			}
			return withDB(func(ctx context.Context, _ *config.Config, pool *db.Pool) error {
				id, err := job.NewPgStore(pool).Enqueue(ctx, p)
				if err != nil {
					return err
				}
				fmt.Printf("Enqueued %s job %s (priority %d)\n", t, color.New(color.FgGreen).Sprint(id), priority)
				return nil
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&flags.raw, "config", "", "Job config as JSON")
	cmd.Flags().IntVar(&priority, "priority", 0, "Higher runs first")
	cmd.Flags().IntVar(&maxRuntime, "max-runtime", 0, "Runtime budget in seconds (0 = worker default)")
	return cmd
}

func jobsCancelCmd() *cobra.Command {
	var running, pending, all bool
	cmd := &cobra.Command{
		Use:   "cancel [id]",
		Short: "Cancel one job, or every running and/or pending job",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var statuses []job.Status
			if running || all {
				statuses = append(statuses, job.StatusRunning)
			}
			if pending || all {
				statuses = append(statuses, job.StatusPending)
			}
			if len(args) == 0 && len(statuses) == 0 {
				return errors.New("give a job id or one of --running, --pending, --all")
			}
			if len(args) == 1 && len(statuses) > 0 {
				return errors.New("a job id cannot be combined with --running, --pending or --all")
			}

			return withDB(func(ctx context.Context, _ *config.Config, pool *db.Pool) error {
				store := job.NewPgStore(pool)
				if len(args) == 1 {
					id, err := strconv.ParseInt(args[0], 10, 64)
					if err != nil {
						return fmt.Errorf("invalid job id %q", args[0])
					}
					ok, err := store.Cancel(ctx, id)
					if err != nil {
						return err
					}
					if !ok {
						fmt.Printf("Job %d is not pending or running\n", id)
						return nil
					}
					fmt.Printf("Cancelled job %d\n", id)
					return nil
				}
				n, err := store.CancelAll(ctx, statuses)
				if err != nil {
					return err
				}
				fmt.Printf("Cancelled %d job(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&running, "running", false, "Cancel every running job")
	cmd.Flags().BoolVar(&pending, "pending", false, "Cancel every pending job")
	cmd.Flags().BoolVar(&all, "all", false, "Cancel every running and pending job")
	return cmd
}

func jobsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cancellable (running and pending) jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(ctx context.Context, _ *config.Config, pool *db.Pool) error {
				jobs, err := job.NewPgStore(pool).ListCancellable(ctx)
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					fmt.Println("No running or pending jobs")
					return nil
				}
				printJobs(jobs, time.Now())
				return nil
			})
		},
	}
}

func jobsResetStuckCmd() *cobra.Command {
	var (
		timeoutMin int
		fail       bool
		list       bool
	)
	cmd := &cobra.Command{
		Use:   "reset-stuck",
		Short: "Reset jobs running longer than the timeout back to pending (or fail them)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if timeoutMin <= 0 {
				return errors.New("--timeout must be positive")
			}
			policy := job.StuckPolicy{Timeout: time.Duration(timeoutMin) * time.Minute}
			return withDB(func(ctx context.Context, _ *config.Config, pool *db.Pool) error {
				store := job.NewPgStore(pool)
				if list {
					stuck, err := store.ListStuck(ctx, policy)
					if err != nil {
						return err
					}
					if len(stuck) == 0 {
						fmt.Printf("No jobs running longer than %s\n", policy.Timeout)
						return nil
					}
					printJobs(stuck, time.Now())
					return nil
				}
				n, err := store.ResetStuck(ctx, policy, fail)
				if err != nil {
					return err
				}
				action := "reset to pending"
				if fail {
					action = "marked failed"
				}
				fmt.Printf("%d stuck job(s) %s\n", n, action)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&timeoutMin, "timeout", 240, "Minutes a job may run before it counts as stuck")
	cmd.Flags().BoolVar(&fail, "fail", false, "Mark stuck jobs failed instead of resetting them")
	cmd.Flags().BoolVar(&list, "list", false, "Only list stuck jobs")
	return cmd
}

func printJobs(jobs []job.Job, now time.Time) {
	fmt.Printf("%-6s %-10s %-13s %-8s %-18s %s\n", "ID", "STATUS", "TYPE", "PRIORITY", "WORKER", "AGE")
	for _, j := range jobs {
		since := j.CreatedAt
		if j.StartedAt != nil {
			since = *j.StartedAt
		}
		worker := j.WorkerID
		if worker == "" {
			worker = "-"
		}
		fmt.Printf("%-6d %s %-13s %-8d %-18s %s\n",
			j.ID, statusLabel(j.Status), j.Type, j.Priority, worker, now.Sub(since).Round(time.Second))
	}
}

func statusLabel(s job.Status) string {
	label := fmt.Sprintf("%-10s", s)
	switch s {
	case job.StatusRunning:
		return color.New(color.FgGreen).Sprint(label)
	case job.StatusPending:
		return color.New(color.FgYellow).Sprint(label)
	case job.StatusFailed:
		return color.New(color.FgRed).Sprint(label)
	default:
		return color.New(color.FgBlue).Sprint(label)
	}
}

// --------------------------------------------------------------------------
// run command
// --------------------------------------------------------------------------

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a pipeline stage directly, without the queue",
	}
	cmd.AddCommand(runSyncCmd())
	cmd.AddCommand(runEnrichCmd())
	cmd.AddCommand(runAggregateCmd())
	return cmd
}

func runSyncCmd() *cobra.Command {
	var flags configFlags
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync tournaments, standings and decks from the providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.build(cmd)
			if err != nil {
				return err
			}
			return withStages(func(ctx context.Context, stages *pipeline.Stages) error {
				start := time.Now()
				stats, err := stages.Syncer.Run(ctx, pipeline.SyncOptions(c), job.Noop{})
				if err != nil {
					return err
				}
				logger.Info("Sync finished", "duration", time.Since(start).Round(time.Second), "summary", stats.Summary())
				if !stats.Complete {
					fmt.Printf("Sync stopped early; resume with --cursor %s\n", color.New(color.FgYellow).Sprint(stats.Cursor))
				}
				return printResult(stats)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func runEnrichCmd() *cobra.Command {
	var flags configFlags
	cmd := &cobra.Command{
		Use:   "enrich",
		Short: "Enrich cards, commanders and tournaments, and validate decklists",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.build(cmd)
			if err != nil {
				return err
			}
			return withStages(func(ctx context.Context, stages *pipeline.Stages) error {
				start := time.Now()
				stats, err := stages.Enricher.Run(ctx, enrich.Options{
					Incremental:    c.IsIncremental(),
					SkipValidation: c.SkipValidation,
				}, job.Noop{})
				if err != nil {
					return err
				}
				logger.Info("Enrich finished", "duration", time.Since(start).Round(time.Second), "summary", stats.Summary())
				return printResult(stats)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func runAggregateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "aggregate",
		Short: "Rebuild the weekly stat tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStages(func(ctx context.Context, stages *pipeline.Stages) error {
				start := time.Now()
				stats, err := stages.Aggregator.Run(ctx, job.Noop{})
				if err != nil {
					return err
				}
				if stats.Skipped {
					fmt.Println(color.New(color.FgYellow).Sprint("Another aggregation is running; skipped"))
					return nil
				}
				logger.Info("Aggregate finished", "duration", time.Since(start).Round(time.Second), "summary", stats.Summary())
				return printResult(stats)
			})
		},
	}
}

func printResult(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// --------------------------------------------------------------------------
// migrate and confidence commands
// --------------------------------------------------------------------------

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(ctx context.Context, _ *config.Config, pool *db.Pool) error {
				if err := pool.Migrate(ctx); err != nil {
					return err
				}
				fmt.Println(color.New(color.FgGreen).Sprint("Schema applied"))
				return nil
			})
		},
	}
}

func confidenceCmd() *cobra.Command {
	var commanderID, cardID string
	cmd := &cobra.Command{
		Use:   "confidence",
		Short: "Score how confidently a card's win rate differs from its commander's",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(ctx context.Context, _ *config.Config, pool *db.Pool) error {
				card, baseline, err := aggregate.NewPgStore(pool).Records(ctx, commanderID, cardID)
				if err != nil {
					return err
				}
				b := confidence.Compute(card, baseline)
				fmt.Printf("Card:     %d-%d-%d (%.1f%%)\n", card.Wins, card.Losses, card.Draws, 100*confidence.WinRate(card))
				fmt.Printf("Baseline: %d-%d-%d (%.1f%%)\n", baseline.Wins, baseline.Losses, baseline.Draws, 100*confidence.WinRate(baseline))
				fmt.Printf("Sample size:  %5.1f / %.0f\n", b.SampleSize, confidence.MaxSampleSizeScore)
				fmt.Printf("Significance: %5.1f / %.0f  (p=%.4f, %s)\n", b.Significance, confidence.MaxSignificanceScore, b.PValue, testName(b.ExactTest))
				fmt.Printf("Effect size:  %5.1f / %.0f  (h=%.3f, 95%% CI %.3f..%.3f)\n", b.EffectSize, confidence.MaxEffectSizeScore, b.CohensH, b.CILower, b.CIUpper)
				fmt.Printf("Confidence:   %s\n", scoreLabel(b.Score))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&commanderID, "commander", "", "Commander ID")
	cmd.Flags().StringVar(&cardID, "card", "", "Card ID")
	_ = cmd.MarkFlagRequired("commander")
	_ = cmd.MarkFlagRequired("card")
	return cmd
}

func testName(exact bool) string {
	if exact {
		return "Fisher exact"
	}
	return "Yates chi-square"
}

func scoreLabel(score int) string {
	s := strconv.Itoa(score)
	switch {
	case score >= 70:
		return color.New(color.FgGreen, color.Bold).Sprint(s)
	case score >= 40:
		return color.New(color.FgYellow).Sprint(s)
	default:
		return color.New(color.FgRed).Sprint(s)
	}
}

// --------------------------------------------------------------------------
// Shared setup
// --------------------------------------------------------------------------

// withDB handles config loading, DB connection, and context cancellation.
func withDB(fn func(ctx context.Context, cfg *config.Config, pool *db.Pool) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))

	pool, err := db.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	return fn(ctx, cfg, pool)
}

// withStages builds the pipeline stages on top of withDB.
func withStages(fn func(ctx context.Context, stages *pipeline.Stages) error) error {
	return withDB(func(ctx context.Context, cfg *config.Config, pool *db.Pool) error {
		locker, err := lock.New(cfg.RedisURL, pool, logger)
		if err != nil {
			return fmt.Errorf("create lock: %w", err)
		}
		return fn(ctx, pipeline.NewStages(cfg, pool, locker, logger))
	})
}
