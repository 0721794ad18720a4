package admission

import (
	"errors"
	"fmt"

	"github.com/becomeliminal/nim-runtime/lock"
	"github.com/becomeliminal/nim-runtime/pool"
)

var (
	// ErrQueueFull is reported through a handle when the admission queue
	// is at capacity. Retryable with backoff.
	ErrQueueFull = errors.New("admission: queue full")

	// ErrRateLimited is reported through a handle when the principal's
	// rate-limit window is exhausted. Retryable after the window moves.
	ErrRateLimited = errors.New("admission: rate limit exceeded")

	// ErrRequestTimeout is reported through a handle when a queued request
	// could not be admitted within the request timeout. Retryable.
	ErrRequestTimeout = errors.New("admission: request timed out in queue")

	// ErrShutdown is returned synchronously from calls made after
	// Shutdown. Not retryable.
	ErrShutdown = errors.New("admission: controller is shut down")

	// ErrPoolTypeMismatch is returned when GetOrCreatePool is called with
	// a resource type different from the pool already registered under
	// that name.
	ErrPoolTypeMismatch = errors.New("admission: pool exists with a different resource type")
)

// ExecutionError wraps an error (or panic) raised by submitted work. The
// admission machinery itself worked; the work failed.
type ExecutionError struct {
	RequestID string
	Cause     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("admission: request %s failed: %v", e.RequestID, e.Cause)
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether err is a capacity condition worth retrying with
// backoff, as opposed to a programming error or a deadlock refusal that will
// recur.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrQueueFull),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrRequestTimeout),
		errors.Is(err, pool.ErrWaitTimeout):
		return true
	case errors.Is(err, ErrShutdown),
		errors.Is(err, pool.ErrShutdown),
		errors.Is(err, lock.ErrPotentialDeadlock),
		errors.Is(err, lock.ErrNotHolder):
		return false
	default:
		return false
	}
}
