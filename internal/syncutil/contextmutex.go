// Package syncutil provides locking primitives that respect context cancellation.
package syncutil

import "context"

// ContextMutex is a mutex implemented via a buffered channel, allowing a
// waiter to give up when its context is cancelled. The zero value is not
// usable; construct with NewContextMutex.
type ContextMutex struct {
	ch chan struct{}
}

// NewContextMutex creates an unlocked ContextMutex.
func NewContextMutex() *ContextMutex {
	m := &ContextMutex{ch: make(chan struct{}, 1)}
	m.ch <- struct{}{}
	return m
}

// LockContext acquires the mutex, respecting context cancellation.
// On success it returns an unlock function that the caller MUST call.
// On cancellation it returns nil and the context error.
func (m *ContextMutex) LockContext(ctx context.Context) (func(), error) {
	// Fail fast if the caller is already cancelled even when the lock is free.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-m.ch:
		return func() { m.ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Lock acquires the mutex unconditionally.
func (m *ContextMutex) Lock() func() {
	<-m.ch
	return func() { m.ch <- struct{}{} }
}

// TryLock acquires the mutex only if it is free.
func (m *ContextMutex) TryLock() (func(), bool) {
	select {
	case <-m.ch:
		return func() { m.ch <- struct{}{} }, true
	default:
		return nil, false
	}
}
