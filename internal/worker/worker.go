// Package worker runs the job loop: claim the next pending job, dispatch it
// to its handler, and write the outcome back to the queue.
//
// The loop is sequential. One job executes at a time; handlers fan out
// internally where they need to. All waiting goes through a Clock so tests
// drive the loop without real timers.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync/atomic"
	"time"

	"github.com/albapepper/cedh-data/internal/apperr"
	"github.com/albapepper/cedh-data/internal/config"
	"github.com/albapepper/cedh-data/internal/job"
)

// State is where the loop currently is.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateExecuting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateExecuting:
		return "executing"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Clock abstracts time for the loop.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Outcome is what a handler produced. Next, when set, is enqueued as a
// continuation before the job is completed. Resume, when set on a failed
// outcome, is the config the retry copy runs with.
type Outcome struct {
	Result any
	Next   *job.EnqueueParams
	Resume *job.Config
}

// Handler executes one claimed job. On error the returned Outcome's Result
// is still recorded on the failed row.
type Handler func(ctx context.Context, j *job.Job, cp job.Checkpoint) (Outcome, error)

// Options tunes the loop.
type Options struct {
	WorkerID            string
	PollInterval        time.Duration
	ErrorBackoff        time.Duration
	MaxStoreFailures    int
	ShutdownGrace       time.Duration
	MaxRetries          int
	CancelCheckInterval time.Duration
	// MaxRuntime is the budget for jobs without max_runtime_seconds, by type.
	MaxRuntime map[job.Type]time.Duration
}

// OptionsFromConfig maps the environment configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		WorkerID:            cfg.WorkerID,
		PollInterval:        cfg.PollInterval,
		ErrorBackoff:        cfg.ErrorBackoff,
		MaxStoreFailures:    cfg.MaxStoreFailures,
		ShutdownGrace:       cfg.ShutdownGrace,
		MaxRetries:          cfg.JobMaxRetries,
		CancelCheckInterval: cfg.CancelCheckInterval,
		MaxRuntime:          job.DefaultMaxRuntimes(),
	}
}

// Worker is the job loop.
type Worker struct {
	store    job.Store
	handlers map[job.Type]Handler
	types    []job.Type
	opts     Options
	clock    Clock
	logger   *slog.Logger

	state atomic.Int32
	wake  chan struct{}
}

// New creates a worker that claims only the job types it has handlers for.
// clock may be nil.
func New(store job.Store, handlers map[job.Type]Handler, opts Options, clock Clock, logger *slog.Logger) *Worker {
	if clock == nil {
		clock = realClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.WorkerID == "" {
		opts.WorkerID = config.DefaultWorkerID()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 60 * time.Second
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = 30 * time.Second
	}
	if opts.MaxStoreFailures <= 0 {
		opts.MaxStoreFailures = 10
	}

	types := make([]job.Type, 0, len(handlers))
	for _, t := range job.AllTypes {
		if _, ok := handlers[t]; ok {
			types = append(types, t)
		}
	}
	return &Worker{
		store:    store,
		handlers: handlers,
		types:    types,
		opts:     opts,
		clock:    clock,
		logger:   logger.With("worker_id", opts.WorkerID),
		wake:     make(chan struct{}, 1),
	}
}

// ID returns the worker id written to claimed rows.
func (w *Worker) ID() string { return w.opts.WorkerID }

// Types returns the job types this worker claims.
func (w *Worker) Types() []job.Type { return slices.Clone(w.types) }

// State returns the loop's current state.
func (w *Worker) State() State { return State(w.state.Load()) }

func (w *Worker) setState(s State) { w.state.Store(int32(s)) }

// Wake cuts the current idle wait short. It never blocks.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run recovers this worker's own orphaned jobs, then polls until ctx is
// cancelled. It returns nil on shutdown and an error only after
// MaxStoreFailures consecutive store failures.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Worker starting", "types", w.types, "poll_interval", w.opts.PollInterval)

	requeued, failed, err := w.store.RecoverOwn(ctx, w.opts.WorkerID, w.opts.MaxRetries)
	if err != nil {
		w.logger.Warn("Failed to recover orphaned jobs", "error", err)
	} else if requeued+failed > 0 {
		w.logger.Info("Recovered orphaned jobs", "requeued", requeued, "failed", failed)
	}

	failures := 0
	for {
		if ctx.Err() != nil {
			w.setState(StateIdle)
			w.logger.Info("Worker stopped")
			return nil
		}

		w.setState(StatePolling)
		j, err := w.store.Claim(ctx, w.opts.WorkerID, w.types)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			failures++
			w.logger.Error("Failed to claim job", "error", err, "consecutive_failures", failures)
			if failures >= w.opts.MaxStoreFailures {
				w.setState(StateIdle)
				return fmt.Errorf("job store unavailable after %d consecutive failures: %w", failures, err)
			}
			w.setState(StateIdle)
			w.sleep(ctx, w.opts.ErrorBackoff, false)
			continue
		}
		failures = 0

		if j == nil {
			w.setState(StateIdle)
			w.sleep(ctx, w.opts.PollInterval, true)
			continue
		}

		w.setState(StateExecuting)
		w.execute(ctx, j)
	}
}

// sleep waits for d, ctx, or (when wakeable) a Wake call.
func (w *Worker) sleep(ctx context.Context, d time.Duration, wakeable bool) {
	var wake <-chan struct{}
	if wakeable {
		wake = w.wake
	}
	select {
	case <-w.clock.After(d):
	case <-wake:
		w.logger.Debug("Woken by enqueue notification")
	case <-ctx.Done():
	}
}

// --------------------------------------------------------------------------
// Execution
// --------------------------------------------------------------------------

func (w *Worker) execute(ctx context.Context, j *job.Job) {
	logger := w.logger.With("job_id", j.ID, "job_type", j.Type, "attempt", j.RetryCount+1)
	start := w.clock.Now()
	logger.Info("Executing job")

	// The job outlives shutdown by ShutdownGrace, then its context is cancelled.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		logger.Warn("Shutdown requested, waiting for running job", "grace", w.opts.ShutdownGrace)
		select {
		case <-w.clock.After(w.opts.ShutdownGrace):
			cancel()
		case <-runCtx.Done():
		}
	})
	defer stop()

	guard := job.NewGuard(w.store, j.ID, w.opts.WorkerID, w.opts.CancelCheckInterval,
		j.MaxRuntime(w.opts.MaxRuntime[j.Type]), w.clock.Now)
	out, err := w.invoke(runCtx, j, guard)

	// Final writes must land even during shutdown.
	writeCtx := context.WithoutCancel(ctx)
	meta := map[string]any{"duration_ms": w.clock.Now().Sub(start).Milliseconds()}

	switch {
	case err == nil:
		if out.Next != nil {
			id, nerr := w.store.Enqueue(writeCtx, *out.Next)
			if nerr != nil {
				logger.Error("Failed to enqueue continuation", "error", nerr)
			} else {
				meta["continuation_job_id"] = id
				logger.Info("Enqueued continuation", "continuation_job_id", id)
			}
		}
		if cerr := w.store.Complete(writeCtx, j.ID, w.opts.WorkerID, withMeta(out.Result, meta)); cerr != nil {
			w.logWriteError(logger, "complete", cerr)
			return
		}
		logger.Info("Job completed", "duration_ms", meta["duration_ms"])

	case errors.Is(err, apperr.ErrClaimLost):
		logger.Warn("Job taken over elsewhere, leaving row as is", "duration_ms", meta["duration_ms"])

	case errors.Is(err, apperr.ErrCancelled):
		logger.Info("Job cancelled, leaving row as is", "duration_ms", meta["duration_ms"])

	default:
		shutdown := ctx.Err() != nil
		retry := (shutdown || apperr.IsRetryable(err)) && j.RetryCount < w.opts.MaxRetries
		retryID, ferr := w.store.Fail(writeCtx, j.ID, w.opts.WorkerID, job.Failure{
			Msg:    err.Error(),
			Result: withMeta(out.Result, meta),
			Retry:  retry,
			Config: out.Resume,
		})
		if ferr != nil {
			w.logWriteError(logger, "fail", ferr)
			return
		}
		if retryID > 0 {
			logger.Warn("Job failed, retry enqueued", "error", err, "retry_job_id", retryID,
				"shutdown", shutdown, "resumed", out.Resume != nil)
		} else {
			logger.Error("Job failed", "error", err, "retryable", apperr.IsRetryable(err))
		}
	}
}

// invoke runs the handler and turns a panic into an error.
func (w *Worker) invoke(ctx context.Context, j *job.Job, cp job.Checkpoint) (out Outcome, err error) {
	h, ok := w.handlers[j.Type]
	if !ok {
		return Outcome{}, &apperr.ValidationError{Msg: fmt.Sprintf("no handler for job type %q", j.Type)}
	}
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Handler panicked", "job_id", j.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, j, cp)
}

func (w *Worker) logWriteError(logger *slog.Logger, op string, err error) {
	if errors.Is(err, apperr.ErrJobNotRunning) {
		logger.Warn("Job was no longer running when its outcome was written", "op", op)
		return
	}
	logger.Error("Failed to write job outcome", "op", op, "error", err)
}

// withMeta merges meta into the JSON object result marshals to. A result
// that is not an object is nested under "result".
func withMeta(result any, meta map[string]any) json.RawMessage {
	var merged map[string]any
	if result != nil {
		if b, err := json.Marshal(result); err == nil {
			if uerr := json.Unmarshal(b, &merged); uerr != nil {
				merged = map[string]any{"result": json.RawMessage(b)}
			}
		}
	}
	if merged == nil {
		merged = make(map[string]any, len(meta))
	}
	for k, v := range meta {
		merged[k] = v
	}
	b, _ := json.Marshal(merged)
	return b
}
