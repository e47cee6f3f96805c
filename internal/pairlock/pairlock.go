// Package pairlock serializes decisions and mutations per trading pair.
package pairlock

import (
	"context"
	"sync"
)

// Locks hands out one exclusive lock per pair.
type Locks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// New creates an empty lock set.
func New() *Locks {
	return &Locks{locks: make(map[string]chan struct{})}
}

func (l *Locks) get(pair string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[pair]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[pair] = ch
	}
	return ch
}

// Lock blocks until the pair lock is held or ctx is done.
func (l *Locks) Lock(ctx context.Context, pair string) (unlock func(), err error) {
	ch := l.get(pair)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// With runs fn while holding the pair lock.
func (l *Locks) With(ctx context.Context, pair string, fn func() error) error {
	unlock, err := l.Lock(ctx, pair)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}
