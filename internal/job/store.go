package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/albapepper/cedh-data/internal/apperr"
	"github.com/albapepper/cedh-data/internal/db"
)

// Store is the queue surface the worker loop depends on.
type Store interface {
	// Claim atomically moves the best pending job of the given types to
	// running. It returns (nil, nil) when there is no work.
	Claim(ctx context.Context, workerID string, types []Type) (*Job, error)

	// Complete and Fail only transition rows still running under workerID;
	// otherwise they return apperr.ErrJobNotRunning.
	Complete(ctx context.Context, id int64, workerID string, result any) error
	Fail(ctx context.Context, id int64, workerID string, f Failure) (retryID int64, err error)

	Enqueue(ctx context.Context, p EnqueueParams) (int64, error)
	ClaimStatus(ctx context.Context, id int64) (Status, string, error)
	RecoverOwn(ctx context.Context, workerID string, maxRetries int) (requeued, failed int, err error)
}

// PgStore is the Postgres-backed queue.
type PgStore struct {
	pool *db.Pool
}

// NewPgStore creates a queue store on the given pool.
func NewPgStore(pool *db.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const selectJob = `SELECT id, job_type, status, config, priority, retry_count, worker_id,
	created_at, started_at, completed_at, result, error, max_runtime_seconds FROM jobs`

// --------------------------------------------------------------------------
// Worker operations
// --------------------------------------------------------------------------

// Claim uses FOR UPDATE SKIP LOCKED so concurrent claimers never block each
// other and never receive the same row.
func (s *PgStore) Claim(ctx context.Context, workerID string, types []Type) (*Job, error) {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}

	j, err := scanJob(s.pool.QueryRow(ctx, "job_claim", names, workerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

func (s *PgStore) Complete(ctx context.Context, id int64, workerID string, result any) error {
	data, err := marshalResult(result)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, "job_complete", id, data, workerID)
	if err != nil {
		return fmt.Errorf("complete job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrJobNotRunning
	}
	return nil
}

// Fail marks the row failed. With f.Retry set, a fresh pending copy carrying
// retry_count+1 is inserted in the same transaction and its id returned. The
// copy takes f.Config when set, the failed row's config otherwise.
func (s *PgStore) Fail(ctx context.Context, id int64, workerID string, f Failure) (int64, error) {
	data, err := marshalResult(f.Result)
	if err != nil {
		return 0, err
	}
	var override []byte
	if f.Config != nil {
		if override, err = json.Marshal(f.Config); err != nil {
			return 0, fmt.Errorf("encode retry config: %w", err)
		}
	}

	var retryID int64
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var (
			jobType    string
			config     []byte
			priority   int
			retryCount int
			maxRuntime *int
		)
		err := tx.QueryRow(ctx, "job_fail", id, f.Msg, data, workerID).
			Scan(&jobType, &config, &priority, &retryCount, &maxRuntime)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.ErrJobNotRunning
		}
		if err != nil {
			return fmt.Errorf("fail job %d: %w", id, err)
		}
		if !f.Retry {
			return nil
		}
		if override != nil {
			config = override
		}
		return tx.QueryRow(ctx, "job_requeue", jobType, config, priority, retryCount+1, maxRuntime).Scan(&retryID)
	})
	return retryID, err
}

func (s *PgStore) Enqueue(ctx context.Context, p EnqueueParams) (int64, error) {
	if _, err := ParseType(string(p.Type)); err != nil {
		return 0, err
	}
	if err := p.Config.Validate(); err != nil {
		return 0, err
	}
	cfg, err := json.Marshal(p.Config)
	if err != nil {
		return 0, fmt.Errorf("encode config: %w", err)
	}

	var id int64
	err = s.pool.QueryRow(ctx, "job_requeue", string(p.Type), cfg, p.Priority, 0, p.MaxRuntimeSeconds).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", p.Type, err)
	}
	return id, nil
}

// ClaimStatus returns the row's status and the worker id holding it, or
// apperr.ErrNotFound.
func (s *PgStore) ClaimStatus(ctx context.Context, id int64) (Status, string, error) {
	var status, workerID string
	err := s.pool.QueryRow(ctx, "job_status", id).Scan(&status, &workerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", apperr.ErrNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("job status %d: %w", id, err)
	}
	return Status(status), workerID, nil
}

// RecoverOwn handles rows this worker id left running before a crash: each is
// failed, and requeued with retry_count+1 when under maxRetries.
func (s *PgStore) RecoverOwn(ctx context.Context, workerID string, maxRetries int) (requeued, failed int, err error) {
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, selectJob+` WHERE status = 'running' AND worker_id = $1 FOR UPDATE`, workerID)
		if err != nil {
			return fmt.Errorf("select orphaned jobs: %w", err)
		}
		orphans, err := collectJobs(rows)
		if err != nil {
			return err
		}

		for _, j := range orphans {
			if _, err := tx.Exec(ctx, "job_fail", j.ID, "worker restarted while job was running", nil, workerID); err != nil {
				return fmt.Errorf("fail orphaned job %d: %w", j.ID, err)
			}
			if j.RetryCount >= maxRetries {
				failed++
				continue
			}
			if _, err := tx.Exec(ctx, "job_requeue",
				string(j.Type), []byte(j.Config), j.Priority, j.RetryCount+1, j.MaxRuntimeSeconds); err != nil {
				return fmt.Errorf("requeue orphaned job %d: %w", j.ID, err)
			}
			requeued++
		}
		return nil
	})
	return requeued, failed, err
}

// --------------------------------------------------------------------------
// Operator operations
// --------------------------------------------------------------------------

// stuckWhere matches running rows past their StuckPolicy threshold. Args are
// $1 timeout, $2/$3 per-type budgets, $4 grace (all in seconds) and $5
// whether budgets apply at all.
const stuckWhere = `status = 'running' AND started_at < NOW() - make_interval(secs => GREATEST($1::float8,
	CASE WHEN $5::bool THEN COALESCE(
		CASE WHEN max_runtime_seconds > 0 THEN max_runtime_seconds::float8 END,
		(SELECT b.secs FROM unnest($2::text[], $3::float8[]) AS b(t, secs) WHERE b.t = jobs.job_type),
		0) + $4::float8
	ELSE 0 END))`

func (p StuckPolicy) args() []any {
	types := make([]string, 0, len(p.Budgets))
	secs := make([]float64, 0, len(p.Budgets))
	for t, d := range p.Budgets {
		types = append(types, string(t))
		secs = append(secs, d.Seconds())
	}
	return []any{p.Timeout.Seconds(), types, secs, p.Grace.Seconds(), p.Budgets != nil}
}

// ResetStuck moves running jobs past the policy's threshold back to pending,
// or to failed when fail is set. Newer running jobs are untouched.
func (s *PgStore) ResetStuck(ctx context.Context, p StuckPolicy, fail bool) (int64, error) {
	sql := `UPDATE jobs SET status = 'pending', worker_id = NULL, started_at = NULL WHERE ` + stuckWhere
	args := p.args()
	if fail {
		sql = `UPDATE jobs SET status = 'failed', completed_at = NOW(), error = $6 WHERE ` + stuckWhere
		args = append(args, fmt.Sprintf("reset: running for more than %s", p.Timeout))
	}

	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("reset stuck jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListStuck returns running jobs past the policy's threshold.
func (s *PgStore) ListStuck(ctx context.Context, p StuckPolicy) ([]Job, error) {
	rows, err := s.pool.Query(ctx, selectJob+` WHERE `+stuckWhere+` ORDER BY started_at`, p.args()...)
	if err != nil {
		return nil, fmt.Errorf("list stuck jobs: %w", err)
	}
	return collectJobs(rows)
}

// Cancel marks one pending or running job cancelled. A running handler
// observes this at its next checkpoint.
func (s *PgStore) Cancel(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'cancelled', completed_at = NOW()
		 WHERE id = $1 AND status IN ('pending', 'running')`, id)
	if err != nil {
		return false, fmt.Errorf("cancel job %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// CancelAll cancels every job in the given (non-terminal) statuses.
func (s *PgStore) CancelAll(ctx context.Context, statuses []Status) (int64, error) {
	names := make([]string, 0, len(statuses))
	for _, st := range statuses {
		if st == StatusPending || st == StatusRunning {
			names = append(names, string(st))
		}
	}
	if len(names) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'cancelled', completed_at = NOW() WHERE status = ANY($1)`, names)
	if err != nil {
		return 0, fmt.Errorf("cancel jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListCancellable returns pending and running jobs, running first.
func (s *PgStore) ListCancellable(ctx context.Context) ([]Job, error) {
	rows, err := s.pool.Query(ctx, selectJob+
		` WHERE status IN ('pending', 'running')
		  ORDER BY status = 'running' DESC, priority DESC, created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list cancellable jobs: %w", err)
	}
	return collectJobs(rows)
}

// List returns the most recent jobs, optionally filtered by status.
func (s *PgStore) List(ctx context.Context, status Status, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	sql := selectJob + ` ORDER BY created_at DESC, id DESC LIMIT $1`
	args := []any{limit}
	if status != "" {
		sql = selectJob + ` WHERE status = $2 ORDER BY created_at DESC, id DESC LIMIT $1`
		args = append(args, string(status))
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

// Get returns one job or apperr.ErrNotFound.
func (s *PgStore) Get(ctx context.Context, id int64) (*Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, selectJob+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return j, nil
}

// Counts returns the number of jobs per status.
func (s *PgStore) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int, len(AllStatuses))
	for _, st := range AllStatuses {
		out[st] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		out[Status(status)] = n
	}
	return out, rows.Err()
}

// HasActive reports whether a job of type t is pending or running.
func (s *PgStore) HasActive(ctx context.Context, t Type) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM jobs WHERE job_type = $1 AND status IN ('pending', 'running'))`,
		string(t)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check active %s: %w", t, err)
	}
	return exists, nil
}

// PurgeFinished deletes terminal jobs completed more than olderThan ago.
func (s *PgStore) PurgeFinished(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM jobs WHERE status IN ('completed', 'failed', 'cancelled')
		 AND completed_at < NOW() - make_interval(secs => $1)`, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("purge finished jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --------------------------------------------------------------------------
// Scanning
// --------------------------------------------------------------------------

func scanJob(row pgx.Row) (*Job, error) {
	var (
		j        Job
		jobType  string
		status   string
		config   []byte
		workerID *string
		result   []byte
		errText  *string
	)
	err := row.Scan(&j.ID, &jobType, &status, &config, &j.Priority, &j.RetryCount, &workerID,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &result, &errText, &j.MaxRuntimeSeconds)
	if err != nil {
		return nil, err
	}
	j.Type = Type(jobType)
	j.Status = Status(status)
	j.Config = config
	j.Result = result
	if workerID != nil {
		j.WorkerID = *workerID
	}
	if errText != nil {
		j.Error = *errText
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]Job, error) {
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func marshalResult(result any) ([]byte, error) {
	if result == nil {
		return nil, nil
	}
	if raw, ok := result.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return data, nil
}
