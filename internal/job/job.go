// Package job defines the durable job model and the queue store.
package job

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/albapepper/cedh-data/internal/apperr"
	"github.com/albapepper/cedh-data/internal/config"
)

// Type is a job's pipeline stage.
type Type string

const (
	TypeSync        Type = "sync"
	TypeEnrich      Type = "enrich"
	TypeAggregate   Type = "aggregate"
	TypeDailyUpdate Type = "daily_update"
	TypeFullSeed    Type = "full_seed"
)

// AllTypes lists every job type the worker can execute.
var AllTypes = []Type{TypeSync, TypeEnrich, TypeAggregate, TypeDailyUpdate, TypeFullSeed}

// ParseType validates a job type name.
func ParseType(s string) (Type, error) {
	for _, t := range AllTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", &apperr.ValidationError{Msg: fmt.Sprintf("unknown job type %q", s)}
}

// Status is a job's lifecycle state. Transitions only move forward:
// pending -> running -> completed | failed | cancelled.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// AllStatuses in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled}

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", &apperr.ValidationError{Msg: fmt.Sprintf("unknown job status %q", s)}
}

// Job is one row of the jobs table.
type Job struct {
	ID                int64           `json:"id"`
	Type              Type            `json:"job_type"`
	Status            Status          `json:"status"`
	Config            json.RawMessage `json:"config"`
	Priority          int             `json:"priority"`
	RetryCount        int             `json:"retry_count"`
	WorkerID          string          `json:"worker_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
	Error             string          `json:"error,omitempty"`
	MaxRuntimeSeconds *int            `json:"max_runtime_seconds,omitempty"`
}

// MaxRuntime returns the advisory runtime budget, or fallback when unset.
func (j *Job) MaxRuntime(fallback time.Duration) time.Duration {
	if j.MaxRuntimeSeconds == nil || *j.MaxRuntimeSeconds <= 0 {
		return fallback
	}
	return time.Duration(*j.MaxRuntimeSeconds) * time.Second
}

// ParseConfig decodes and validates the job's config.
func (j *Job) ParseConfig() (Config, error) {
	var c Config
	if len(j.Config) > 0 && string(j.Config) != "null" {
		if err := json.Unmarshal(j.Config, &c); err != nil {
			return c, &apperr.ValidationError{Msg: fmt.Sprintf("invalid config: %v", err)}
		}
	}
	return c, c.Validate()
}

// Config is the job's stage configuration.
type Config struct {
	DaysBack       int    `json:"days_back,omitempty"`
	StartDate      string `json:"start_date,omitempty"`
	EndDate        string `json:"end_date,omitempty"`
	Cursor         string `json:"cursor,omitempty"`
	Incremental    *bool  `json:"incremental,omitempty"`
	SkipValidation bool   `json:"skip_validation,omitempty"`
	BatchSize      int    `json:"batch_size,omitempty"`
}

// IsIncremental defaults to true.
func (c Config) IsIncremental() bool {
	return c.Incremental == nil || *c.Incremental
}

// Start returns the parsed start_date.
func (c Config) Start() (time.Time, bool) { return parseDate(c.StartDate) }

// End returns the parsed end_date.
func (c Config) End() (time.Time, bool) { return parseDate(c.EndDate) }

// Validate rejects malformed dates and negative sizes.
func (c Config) Validate() error {
	for key, v := range map[string]string{"start_date": c.StartDate, "end_date": c.EndDate} {
		if v == "" {
			continue
		}
		if _, err := time.Parse(time.DateOnly, v); err != nil {
			return &apperr.ValidationError{Msg: fmt.Sprintf("%s must be YYYY-MM-DD, got %q", key, v)}
		}
	}
	if c.DaysBack < 0 {
		return &apperr.ValidationError{Msg: "days_back must be >= 0"}
	}
	if c.BatchSize < 0 {
		return &apperr.ValidationError{Msg: "batch_size must be >= 0"}
	}
	if s, ok := c.Start(); ok {
		if e, ok := c.End(); ok && e.Before(s) {
			return &apperr.ValidationError{Msg: "end_date is before start_date"}
		}
	}
	return nil
}

func parseDate(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// EnqueueParams describes a new pending job.
type EnqueueParams struct {
	Type              Type
	Config            Config
	Priority          int
	MaxRuntimeSeconds *int
}

// Failure is how a claimed job ended in error.
type Failure struct {
	Msg    string
	Result any
	Retry  bool
	// Config replaces the retry copy's config when set. Stages use it to
	// hand the retry a resume cursor.
	Config *Config
}

// DefaultMaxRuntimes is the runtime budget per type for jobs without
// max_runtime_seconds.
func DefaultMaxRuntimes() map[Type]time.Duration {
	return map[Type]time.Duration{
		TypeSync:        config.DefaultMaxRuntime,
		TypeEnrich:      config.DefaultMaxRuntime,
		TypeAggregate:   config.DefaultMaxRuntime,
		TypeDailyUpdate: config.DefaultMaxRuntime,
		TypeFullSeed:    config.SeedJobMaxRuntime,
	}
}

// DefaultStuckGrace is how far past its runtime budget a job may run before
// the stuck sweep takes it back.
const DefaultStuckGrace = 15 * time.Minute

// StuckPolicy decides when a running job counts as stuck: once it has run
// longer than Timeout and longer than its own budget plus Grace. The budget
// is max_runtime_seconds, else Budgets[type]. A policy with nil Budgets is a
// plain timeout.
type StuckPolicy struct {
	Timeout time.Duration
	Budgets map[Type]time.Duration
	Grace   time.Duration
}

// NewStuckPolicy is the budget-aware policy with the default budgets and grace.
func NewStuckPolicy(timeout time.Duration) StuckPolicy {
	return StuckPolicy{Timeout: timeout, Budgets: DefaultMaxRuntimes(), Grace: DefaultStuckGrace}
}

// Threshold returns how long j may run before it counts as stuck.
func (p StuckPolicy) Threshold(j *Job) time.Duration {
	if p.Budgets == nil {
		return p.Timeout
	}
	return max(p.Timeout, j.MaxRuntime(p.Budgets[j.Type])+p.Grace)
}
