// Package handler provides HTTP handlers for the operator API.
// Job endpoints read and write the queue directly; confidence reads the
// weekly stat tables and is cached in memory with ETags.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/albapepper/cedh-data/internal/api/respond"
	"github.com/albapepper/cedh-data/internal/cache"
	"github.com/albapepper/cedh-data/internal/confidence"
	"github.com/albapepper/cedh-data/internal/job"
)

// JobStore is the queue surface the operator endpoints need.
type JobStore interface {
	List(ctx context.Context, status job.Status, limit int) ([]job.Job, error)
	Get(ctx context.Context, id int64) (*job.Job, error)
	Counts(ctx context.Context) (map[job.Status]int, error)
	Enqueue(ctx context.Context, p job.EnqueueParams) (int64, error)
	Cancel(ctx context.Context, id int64) (bool, error)
}

// RecordStore loads the card and baseline tallies behind a confidence score.
type RecordStore interface {
	Records(ctx context.Context, commanderID, cardID string) (card, baseline confidence.Record, err error)
}

// Pinger verifies database connectivity.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// Handler holds shared dependencies for all endpoint handlers.
type Handler struct {
	jobs    JobStore
	records RecordStore
	db      Pinger
	cache   *cache.Cache
	now     func() time.Time
}

// New creates a Handler with shared dependencies.
func New(jobs JobStore, records RecordStore, db Pinger, c *cache.Cache) *Handler {
	return &Handler{
		jobs:    jobs,
		records: records,
		db:      db,
		cache:   c,
		now:     time.Now,
	}
}

func (h *Handler) timestamp() string {
	return h.now().UTC().Format(time.RFC3339)
}

// Root serves API info at /.
// @Summary API root info
// @Description Returns API name, version, status, and the docs location.
// @Tags meta
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router / [get]
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"name":    "cEDH Data Ops API",
		"version": "1.0.0",
		"status":  "running",
		"docs":    "/docs",
	})
}

// HealthCheck returns basic health status.
// @Summary Health check
// @Description Returns basic health status and timestamp.
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /health [get]
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": h.timestamp(),
	})
}

// HealthCheckDB verifies database connectivity.
// @Summary Database health check
// @Description Verifies Postgres connectivity.
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 503 {object} map[string]interface{}
// @Router /health/db [get]
func (h *Handler) HealthCheckDB(w http.ResponseWriter, r *http.Request) {
	if err := h.db.HealthCheck(r.Context()); err != nil {
		respond.WriteJSONObject(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "unhealthy",
			"database":  "disconnected",
			"error":     "Database connection check failed",
			"timestamp": h.timestamp(),
		})
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"database":  "connected",
		"timestamp": h.timestamp(),
	})
}

// HealthCheckCache returns cache statistics.
// @Summary Cache health check
// @Description Returns in-memory cache statistics (active keys, expired keys).
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /health/cache [get]
func (h *Handler) HealthCheckCache(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"cache":     h.cache.Stats(),
		"timestamp": h.timestamp(),
	})
}
