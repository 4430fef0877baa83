// Package apperr defines the error taxonomy shared by the queue, the worker
// and the pipeline stages.
//
// Callers classify with errors.Is / errors.As (or the helpers below) instead
// of matching on message text.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound marks a permanently absent upstream resource. Never retried.
	ErrNotFound = errors.New("not found")

	// ErrCancelled is returned from a checkpoint once the running job has been
	// cancelled externally.
	ErrCancelled = errors.New("job cancelled")

	// ErrJobNotRunning is returned when a complete/fail targets a row that is
	// no longer running under the caller's worker id (e.g. cancelled mid-run).
	ErrJobNotRunning = errors.New("job is not running")

	// ErrClaimLost is returned from a checkpoint once the row was reset or
	// claimed by another worker. It matches ErrCancelled so stages stop the
	// same way.
	ErrClaimLost = fmt.Errorf("%w: job no longer held by this worker", ErrCancelled)
)

// TransientError wraps a failure that may succeed if attempted again
// (network errors, 5xx responses).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RateLimitError is raised when an upstream keeps answering 429 after the
// client has exhausted its retry budget.
type RateLimitError struct {
	URL      string
	Attempts int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited by %s after %d attempts", e.URL, e.Attempts)
}

// ValidationError is a business-rule rejection. It is recorded, not retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "validation: " + e.Msg }

// FatalConfigError reports missing credentials or settings that make the
// process unable to do any work.
type FatalConfigError struct {
	Key string
	Msg string
}

func (e *FatalConfigError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s must be set", e.Key)
	}
	return fmt.Sprintf("%s: %s", e.Key, e.Msg)
}

// IsRateLimit reports whether err (or anything it wraps) is a RateLimitError.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// IsTransient reports whether err (or anything it wraps) is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsRetryable reports whether a job that failed with err should get another
// attempt.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrCancelled) {
		return false
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}
	var fe *FatalConfigError
	if errors.As(err, &fe) {
		return false
	}
	return IsRateLimit(err) || IsTransient(err)
}
