package dispatch

import (
	"errors"
	"fmt"
)

var (
	ErrDisabled = errors.New("dispatcher disabled")
	ErrStopped  = errors.New("dispatcher stopped")

	// ErrQueueFull means the lane's bounded queue rejected the job.
	ErrQueueFull = errors.New("dispatch queue full")

	// ErrNonPositiveDelay is returned when the computed delay is <= 0.
	// Callers must treat this as "skip this job", never "fire immediately".
	ErrNonPositiveDelay = errors.New("non-positive delay")

	// ErrNoHandler means no handler is registered for the job type.
	ErrNoHandler = errors.New("no handler for job type")
)

// NoRetry marks an error as non-retryable.
//
// Handlers wrap validation errors or other permanent failures with NoRetry
// so the dispatcher won't waste time retrying.
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

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }
