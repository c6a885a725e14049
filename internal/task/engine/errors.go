package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidJob       = errors.New("invalid job")
	ErrDuplicateJob     = errors.New("job already pending or active")
	ErrCancelled        = errors.New("job cancelled")
	ErrClosed           = errors.New("scheduler closed")
	ErrHandleRegistered = errors.New("handle already registered")
	ErrNotActive        = errors.New("job not active")
)

// JobError is the terminal error of a failed job.
type JobError struct {
	ID       string
	Attempts int
	Err      error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s failed after %d attempt(s): %v", e.ID, e.Attempts, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

// NoRetry marks an error as non-retryable.
//
// Execute funcs can wrap validation errors or other permanent failures with
// NoRetry so the scheduler won't waste time retrying.
//
// Example:
//
//	return nil, engine.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return e.err.Error() }
func (e noRetryError) Unwrap() error { return e.err }

// Retryable marks an error as transient regardless of its message.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return retryableError{err: err}
}

type retryableError struct{ err error }

func (e retryableError) Error() string { return e.err.Error() }
func (e retryableError) Unwrap() error { return e.err }

// RetryAfter marks an error as transient and provides a suggested delay.
//
// The hint replaces the computed backoff (still bounded by MaxDelay).
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string {
	return fmt.Sprintf("retry-after(%s): %v", e.after, e.err)
}
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
