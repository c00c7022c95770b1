package engine

import (
	"context"
	"sync"
)

// Future is the result of an asynchronous engine operation. It completes
// exactly once with a value, an error, or ErrCancelled.
type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	value     T
	err       error
	cancelled bool
	onCancel  []func()
	callbacks []func(T, error)
}

// NewFuture creates a pending future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Completed returns a future already completed with v.
func Completed[T any](v T) *Future[T] {
	f := NewFuture[T]()
	f.Complete(v)
	return f
}

// Failed returns a future already failed with err.
func Failed[T any](err error) *Future[T] {
	f := NewFuture[T]()
	f.Fail(err)
	return f
}

// Complete resolves the future with v. It reports false if the future was
// already done.
func (f *Future[T]) Complete(v T) bool {
	return f.finish(v, nil, false)
}

// Fail resolves the future with err.
func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.finish(zero, err, false)
}

// Cancel resolves the future with ErrCancelled and runs the cancel hooks
// registered with OnCancel. It reports false if the future was already done.
func (f *Future[T]) Cancel() bool {
	var zero T
	return f.finish(zero, ErrCancelled, true)
}

func (f *Future[T]) finish(v T, err error, cancelled bool) bool {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		return false
	default:
	}
	f.value, f.err, f.cancelled = v, err, cancelled
	close(f.done)
	hooks := f.onCancel
	callbacks := f.callbacks
	f.onCancel, f.callbacks = nil, nil
	f.mu.Unlock()

	if cancelled {
		for _, h := range hooks {
			h()
		}
	}
	for _, cb := range callbacks {
		go cb(v, err)
	}
	return true
}

// OnCancel registers a hook run synchronously by Cancel. Hooks registered
// after completion never run.
func (f *Future[T]) OnCancel(hook func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.done:
		return
	default:
	}
	f.onCancel = append(f.onCancel, hook)
}

// OnComplete registers fn to be called with the result. fn always runs on a
// new goroutine, including when the future is already done, so callers may
// register while holding their own locks.
func (f *Future[T]) OnComplete(fn func(T, error)) {
	f.mu.Lock()
	select {
	case <-f.done:
		v, err := f.value, f.err
		f.mu.Unlock()
		go fn(v, err)
		return
	default:
	}
	f.callbacks = append(f.callbacks, fn)
	f.mu.Unlock()
}

// Done is closed when the future completes.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future has completed.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// IsCancelled reports whether the future was cancelled.
func (f *Future[T]) IsCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

// Wait blocks until the future completes or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
