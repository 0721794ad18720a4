package admission

import (
	"context"
	"sync/atomic"
	"time"
)

// Handle is the caller's side of a submitted request. Exactly one outcome is
// ever delivered: a value, an error, or a cancellation.
type Handle[T any] struct {
	id        string
	principal string
	reqType   string

	done     chan struct{}
	resolved atomic.Bool

	value T
	err   error

	submitted time.Time
}

// ID returns the request's unique identifier.
func (h *Handle[T]) ID() string { return h.id }

// Done returns a channel closed when the request has completed, failed, or
// been rejected.
func (h *Handle[T]) Done() <-chan struct{} { return h.done }

// Wait blocks until the request resolves or ctx is done. Cancelling ctx
// abandons the wait, not the request.
func (h *Handle[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-h.done:
		return h.value, h.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the outcome if the request has resolved. ok is false while
// it is still pending.
func (h *Handle[T]) Result() (value T, err error, ok bool) {
	select {
	case <-h.done:
		return h.value, h.err, true
	default:
		var zero T
		return zero, nil, false
	}
}

func (h *Handle[T]) complete(v T, err error) bool {
	if !h.resolved.CompareAndSwap(false, true) {
		return false
	}
	h.value = v
	h.err = err
	close(h.done)
	return true
}

func (h *Handle[T]) fail(err error) bool {
	var zero T
	return h.complete(zero, err)
}
