package domain

import (
	"context"
	"errors"
)

var (
	// Common domain errors
	ErrNotFound         = errors.New("entity not found")
	ErrAlreadyExists    = errors.New("entity already exists")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrReadDatabaseRow  = errors.New("failed to read database row")
	ErrInvalidExecCtx   = errors.New("invalid database execution context")
	ErrStoreUnavailable = errors.New("job store unavailable")

	// Submission
	ErrStaleIdempotencyKey = errors.New("idempotency key already used for different input")
	ErrTooManyJobs         = errors.New("too many concurrent jobs")

	// Upstream generation
	ErrTransientUpstream    = errors.New("transient upstream failure")
	ErrNonRetryableUpstream = errors.New("upstream rejected the request")

	// Lifecycle
	ErrTimeout         = errors.New("job timeout exceeded")
	ErrCancelled       = errors.New("job cancelled")
	ErrInterrupted     = errors.New("job interrupted by process restart")
	ErrVariantTerminal = errors.New("variant already in a terminal state")
	ErrJobNotRunning   = errors.New("job is not running")
	ErrSchedulerClosed = errors.New("scheduler is stopped")
)

// IsRetryable reports whether a generation failure may be retried at variant granularity.
// Context cancellation is never retryable; unknown errors are treated as transient.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrTransientUpstream):
		return true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrNonRetryableUpstream):
		return false
	}
	return true
}
