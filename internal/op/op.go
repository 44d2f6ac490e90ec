// Package op provides the pending-operation handle that every remote call in
// lobbyrelay returns. A Pending resolves exactly once; callers driven by a
// tick loop check Ready without blocking, and goroutine-based callers use
// Wait.
package op

import (
	"context"
	"errors"
	"sync"
)

// ErrNotReady is returned by Result when the operation has not resolved.
var ErrNotReady = errors.New("operation still pending")

// Pending is the handle to an operation that resolves exactly once with a
// value or an error.
type Pending[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

// Go runs fn in a new goroutine and returns a handle to its result.
func Go[T any](ctx context.Context, fn func(context.Context) (T, error)) *Pending[T] {
	p, resolve := New[T]()
	go func() {
		resolve(fn(ctx))
	}()
	return p
}

// New returns an unresolved handle and the function that resolves it.
// Calls to resolve after the first are ignored.
func New[T any]() (*Pending[T], func(T, error)) {
	p := &Pending[T]{done: make(chan struct{})}
	return p, p.resolve
}

// Resolved returns a handle that is already complete.
func Resolved[T any](v T, err error) *Pending[T] {
	p, resolve := New[T]()
	resolve(v, err)
	return p
}

func (p *Pending[T]) resolve(v T, err error) {
	p.once.Do(func() {
		p.val, p.err = v, err
		close(p.done)
	})
}

// Ready reports whether the operation has resolved. It never blocks.
func (p *Pending[T]) Ready() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the operation resolves.
func (p *Pending[T]) Done() <-chan struct{} {
	return p.done
}

// Result returns the resolved value and error, or ErrNotReady.
func (p *Pending[T]) Result() (T, error) {
	if !p.Ready() {
		var zero T
		return zero, ErrNotReady
	}
	return p.val, p.err
}

// Wait blocks until the operation resolves or ctx is done.
func (p *Pending[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.val, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
