// Package future provides a single-assignment result that can be awaited
// with a context.
package future

import (
	"context"
	"sync"
)

// Future holds a value that is settled exactly once.
type Future[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

// New returns an unsettled Future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a Future already settled with v.
func Resolved[T any](v T) *Future[T] {
	f := New[T]()
	f.Resolve(v)
	return f
}

// Failed returns a Future already settled with err.
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	f.Reject(err)
	return f
}

// Go runs fn on a new goroutine and settles the Future with its result.
func Go[T any](fn func() (T, error)) *Future[T] {
	f := New[T]()
	go func() {
		v, err := fn()
		f.Settle(v, err)
	}()
	return f
}

// Resolve settles the Future with v. It reports whether this call settled it.
func (f *Future[T]) Resolve(v T) bool {
	return f.Settle(v, nil)
}

// Reject settles the Future with err. It reports whether this call settled it.
func (f *Future[T]) Reject(err error) bool {
	var zero T
	return f.Settle(zero, err)
}

// Settle stores the outcome. Only the first call has an effect.
func (f *Future[T]) Settle(v T, err error) bool {
	settled := false
	f.once.Do(func() {
		f.value = v
		f.err = err
		settled = true
		close(f.done)
	})
	return settled
}

// Done is closed once the Future is settled.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Await blocks until the Future settles or ctx ends. Cancelling ctx does not
// settle the Future.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
