package usecase

import (
	"context"
	"sync"
)

// Latch is a single-assignment result cell. The first Resolve or Reject wins;
// every later call is a no-op that reports false.
type Latch[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func NewLatch[T any]() *Latch[T] {
	return &Latch[T]{done: make(chan struct{})}
}

func (l *Latch[T]) Resolve(v T) bool {
	return l.settle(v, nil)
}

func (l *Latch[T]) Reject(err error) bool {
	var zero T
	return l.settle(zero, err)
}

func (l *Latch[T]) settle(v T, err error) bool {
	won := false
	l.once.Do(func() {
		l.val, l.err = v, err
		won = true
		close(l.done)
	})
	return won
}

// Done is closed once the latch has been settled.
func (l *Latch[T]) Done() <-chan struct{} {
	return l.done
}

// Settled reports whether Resolve or Reject has already been called.
func (l *Latch[T]) Settled() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the latch is settled or ctx ends.
func (l *Latch[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-l.done:
		return l.val, l.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
