package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/albapepper/cedh-data/internal/api/respond"
	"github.com/albapepper/cedh-data/internal/apperr"
	"github.com/albapepper/cedh-data/internal/job"
)

const maxListLimit = 500

// EnqueueRequest is the body of POST /api/v1/jobs.
type EnqueueRequest struct {
	JobType           string     `json:"job_type"`
	Config            job.Config `json:"config"`
	Priority          int        `json:"priority"`
	MaxRuntimeSeconds *int       `json:"max_runtime_seconds,omitempty"`
}

// ListJobs returns recent jobs.
// @Summary List jobs
// @Description Returns the most recent jobs, newest first, optionally filtered by status.
// @Tags jobs
// @Produce json
// @Param status query string false "pending, running, completed, failed or cancelled"
// @Param limit query int false "Maximum rows (default 50, max 500)"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} respond.ErrorResponse
// @Router /api/v1/jobs [get]
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	var status job.Status
	if v := r.URL.Query().Get("status"); v != "" {
		st, err := job.ParseStatus(v)
		if err != nil {
			respond.WriteErrorDetail(w, http.StatusBadRequest, respond.CodeBadRequest, "Unknown job status", err.Error())
			return
		}
		status = st
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respond.WriteError(w, http.StatusBadRequest, respond.CodeBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	jobs, err := h.jobs.List(r.Context(), status, limit)
	if err != nil {
		slog.Error("List jobs failed", "error", err)
		respond.WriteError(w, http.StatusInternalServerError, respond.CodeDB, "Failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []job.Job{}
	}
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// JobStats returns queue counts per status.
// @Summary Queue statistics
// @Description Returns the number of jobs in each status.
// @Tags jobs
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /api/v1/jobs/stats [get]
func (h *Handler) JobStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.jobs.Counts(r.Context())
	if err != nil {
		slog.Error("Count jobs failed", "error", err)
		respond.WriteError(w, http.StatusInternalServerError, respond.CodeDB, "Failed to count jobs")
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"counts":    counts,
		"total":     total,
		"timestamp": h.timestamp(),
	})
}

// GetJob returns one job.
// @Summary Get job
// @Description Returns a job row including its config, result and error.
// @Tags jobs
// @Produce json
// @Param id path int true "Job ID"
// @Success 200 {object} job.Job
// @Failure 404 {object} respond.ErrorResponse
// @Router /api/v1/jobs/{id} [get]
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	j, err := h.jobs.Get(r.Context(), id)
	if errors.Is(err, apperr.ErrNotFound) {
		respond.WriteError(w, http.StatusNotFound, respond.CodeNotFound, "Job not found")
		return
	}
	if err != nil {
		slog.Error("Get job failed", "job_id", id, "error", err)
		respond.WriteError(w, http.StatusInternalServerError, respond.CodeDB, "Failed to load job")
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, j)
}

// EnqueueJob adds a pending job.
// @Summary Enqueue job
// @Description Adds a pending job. Idle workers are woken by the insert notification.
// @Tags jobs
// @Accept json
// @Produce json
// @Param job body EnqueueRequest true "Job to enqueue"
// @Success 201 {object} map[string]interface{}
// @Failure 400 {object} respond.ErrorResponse
// @Router /api/v1/jobs [post]
func (h *Handler) EnqueueJob(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := respond.DecodeJSON(w, r, &req); err != nil {
		respond.WriteErrorDetail(w, http.StatusBadRequest, respond.CodeInvalidBody, "Request body must be a job object", err.Error())
		return
	}

	t, err := job.ParseType(req.JobType)
	if err != nil {
		respond.WriteErrorDetail(w, http.StatusBadRequest, respond.CodeBadRequest, "Unknown job type", err.Error())
		return
	}
	if err := req.Config.Validate(); err != nil {
		respond.WriteErrorDetail(w, http.StatusBadRequest, respond.CodeBadRequest, "Invalid job config", err.Error())
		return
	}
	if req.MaxRuntimeSeconds != nil && *req.MaxRuntimeSeconds <= 0 {
		respond.WriteError(w, http.StatusBadRequest, respond.CodeBadRequest, "max_runtime_seconds must be positive")
		return
	}

	id, err := h.jobs.Enqueue(r.Context(), job.EnqueueParams{
		Type:              t,
		Config:            req.Config,
		Priority:          req.Priority,
		MaxRuntimeSeconds: req.MaxRuntimeSeconds,
	})
	if err != nil {
		slog.Error("Enqueue job failed", "job_type", t, "error", err)
		respond.WriteError(w, http.StatusInternalServerError, respond.CodeDB, "Failed to enqueue job")
		return
	}
	slog.Info("Job enqueued via API", "job_id", id, "job_type", t, "priority", req.Priority)
	respond.WriteJSONObject(w, http.StatusCreated, map[string]interface{}{
		"id":       id,
		"job_type": t,
		"status":   job.StatusPending,
	})
}

// CancelJob cancels a pending or running job.
// @Summary Cancel job
// @Description Cancels a pending or running job. A running job stops at its next checkpoint.
// @Tags jobs
// @Produce json
// @Param id path int true "Job ID"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} respond.ErrorResponse
// @Failure 409 {object} respond.ErrorResponse
// @Router /api/v1/jobs/{id}/cancel [post]
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	cancelled, err := h.jobs.Cancel(r.Context(), id)
	if err != nil {
		slog.Error("Cancel job failed", "job_id", id, "error", err)
		respond.WriteError(w, http.StatusInternalServerError, respond.CodeDB, "Failed to cancel job")
		return
	}
	if cancelled {
		respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
			"id":     id,
			"status": job.StatusCancelled,
		})
		return
	}

	// Nothing changed: either the job does not exist or it already finished.
	j, err := h.jobs.Get(r.Context(), id)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		respond.WriteError(w, http.StatusNotFound, respond.CodeNotFound, "Job not found")
	case err != nil:
		slog.Error("Get job failed", "job_id", id, "error", err)
		respond.WriteError(w, http.StatusInternalServerError, respond.CodeDB, "Failed to load job")
	default:
		respond.WriteErrorDetail(w, http.StatusConflict, respond.CodeNotCancellable,
			"Only pending or running jobs can be cancelled", "status is "+string(j.Status))
	}
}

func jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		respond.WriteError(w, http.StatusBadRequest, respond.CodeInvalidID, "Job ID must be a positive integer")
		return 0, false
	}
	return id, true
}
