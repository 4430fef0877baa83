package job

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/albapepper/cedh-data/internal/apperr"
)

// DefaultCheckInterval bounds how often a Guard reads the job's status.
const DefaultCheckInterval = 5 * time.Second

// Checkpoint is what a running stage calls between standings, batches and
// pages. Check returns apperr.ErrCancelled once the job was cancelled
// externally, or apperr.ErrClaimLost once another worker holds it. Expired
// reports whether the advisory runtime budget is spent; the stage decides how
// to stop cleanly.
type Checkpoint interface {
	Check(ctx context.Context) error
	Expired() bool
}

// ClaimReader is the part of the store a Guard needs.
type ClaimReader interface {
	// ClaimStatus returns the row's status and the worker id holding it.
	ClaimStatus(ctx context.Context, id int64) (Status, string, error)
}

// Guard is the worker's Checkpoint for one claimed job.
type Guard struct {
	store    ClaimReader
	jobID    int64
	workerID string
	interval time.Duration
	deadline time.Time
	now      func() time.Time

	mu        sync.Mutex
	lastCheck time.Time
	stopErr   error
}

// NewGuard creates a checkpoint for jobID as claimed by workerID.
// maxRuntime <= 0 means no budget. now may be nil.
func NewGuard(store ClaimReader, jobID int64, workerID string, interval, maxRuntime time.Duration, now func() time.Time) *Guard {
	if now == nil {
		now = time.Now
	}
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	g := &Guard{store: store, jobID: jobID, workerID: workerID, interval: interval, now: now}
	if maxRuntime > 0 {
		g.deadline = now().Add(maxRuntime)
	}
	return g
}

// Check reads the job's status at most once per interval. A failed status
// read is logged and treated as "still held"; the worker notices store
// outages on its own writes.
func (g *Guard) Check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stopErr != nil {
		return g.stopErr
	}
	now := g.now()
	if !g.lastCheck.IsZero() && now.Sub(g.lastCheck) < g.interval {
		return nil
	}
	g.lastCheck = now

	status, holder, err := g.store.ClaimStatus(ctx, g.jobID)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		g.stopErr = apperr.ErrClaimLost
	case err != nil:
		slog.Debug("Job status check failed", "job_id", g.jobID, "error", err)
		return nil
	case status == StatusCancelled:
		g.stopErr = apperr.ErrCancelled
	case status != StatusRunning || holder != g.workerID:
		slog.Warn("Job no longer held by this worker",
			"job_id", g.jobID, "status", status, "holder", holder, "worker_id", g.workerID)
		g.stopErr = apperr.ErrClaimLost
	}
	return g.stopErr
}

// Expired reports whether the job has run past its max runtime.
func (g *Guard) Expired() bool {
	return !g.deadline.IsZero() && !g.now().Before(g.deadline)
}

// Noop is a Checkpoint that never cancels and never expires. The CLI uses it
// for direct stage runs outside the queue.
type Noop struct{}

func (Noop) Check(ctx context.Context) error { return ctx.Err() }
func (Noop) Expired() bool                   { return false }
