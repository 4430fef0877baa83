// Package db provides a pgxpool-based connection pool with prepared statement
// registration, schema migration and health checking.
package db

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/albapepper/cedh-data/internal/config"
)

//go:embed schema.sql
var Schema string

// Pool wraps pgxpool.Pool with application-specific helpers.
type Pool struct {
	*pgxpool.Pool
}

// New creates and validates a new connection pool.
func New(ctx context.Context, cfg *config.Config) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolCfg.MinConns = int32(cfg.DBPoolMinConns)
	poolCfg.MaxConns = int32(cfg.DBPoolMaxConns)
	poolCfg.MaxConnLifetime = cfg.DBPoolMaxLife
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	return Open(ctx, poolCfg)
}

// Open creates a pool from an explicit config. Tests use it to pin a
// search_path.
func Open(ctx context.Context, poolCfg *pgxpool.Config) (*Pool, error) {
	// Register prepared statements on every new connection.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return registerPreparedStatements(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// Verify connectivity
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// HealthCheck runs a trivial query to verify the database is reachable.
func (p *Pool) HealthCheck(ctx context.Context) error {
	var n int
	return p.QueryRow(ctx, "SELECT 1").Scan(&n)
}

// Migrate applies the embedded schema, then recycles pooled connections so
// they pick up the prepared statements that depend on it.
func (p *Pool) Migrate(ctx context.Context) error {
	if _, err := p.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	p.Reset()
	return nil
}

// Job queue statements. Column order matches job.scanJob.
const jobColumns = `id, job_type, status, config, priority, retry_count, worker_id,
	created_at, started_at, completed_at, result, error, max_runtime_seconds`

// registerPreparedStatements registers the queue's hot-path statements. A
// connection opened before the schema exists skips registration; Migrate
// resets the pool afterwards.
func registerPreparedStatements(ctx context.Context, conn *pgx.Conn) error {
	var ready bool
	if err := conn.QueryRow(ctx, "SELECT to_regclass('jobs') IS NOT NULL").Scan(&ready); err != nil {
		return fmt.Errorf("check schema: %w", err)
	}
	if !ready {
		return nil
	}

	stmts := map[string]string{
		// Worker loop
		"job_claim": `
			UPDATE jobs
			SET status = 'running', worker_id = $2, started_at = NOW()
			WHERE id = (
				SELECT id FROM jobs
				WHERE status = 'pending' AND job_type = ANY($1)
				ORDER BY priority DESC, created_at, id
				FOR UPDATE SKIP LOCKED
				LIMIT 1
			) AND status = 'pending'
			RETURNING ` + jobColumns,
		"job_complete": `
			UPDATE jobs SET status = 'completed', completed_at = NOW(), result = $2
			WHERE id = $1 AND status = 'running' AND worker_id = $3`,
		"job_fail": `
			UPDATE jobs SET status = 'failed', completed_at = NOW(), error = $2, result = COALESCE($3, result)
			WHERE id = $1 AND status = 'running' AND worker_id = $4
			RETURNING job_type, config, priority, retry_count, max_runtime_seconds`,
		"job_requeue": `
			INSERT INTO jobs (job_type, config, priority, retry_count, max_runtime_seconds)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id`,

		// Cooperative cancellation
		"job_status": "SELECT status, COALESCE(worker_id, '') FROM jobs WHERE id = $1",
	}

	for name, sql := range stmts {
		if _, err := conn.Prepare(ctx, name, sql); err != nil {
			return fmt.Errorf("prepare %q: %w", name, err)
		}
	}
	return nil
}
