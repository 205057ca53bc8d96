// Package lock serializes order execution per position bucket, so two
// signals for the same (symbol, side) can never race each other even
// across process instances.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotAcquired is returned when the lock stays contended for the
// whole acquisition window.
var ErrNotAcquired = errors.New("lock not acquired within wait window")

// Locker runs fn while holding the named lock and releases it
// afterwards, whether fn succeeded or not.
type Locker interface {
	ExecuteWithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// PositionScope returns the canonical lock key for a position bucket.
func PositionScope(symbol, positionSide string) string {
	return fmt.Sprintf("tradeengine:lock:%s:%s", symbol, positionSide)
}

// Noop runs fn without locking. Used in tests and in setups with a
// single writer.
type Noop struct{}

func (Noop) ExecuteWithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// Local serializes by key inside one process. Acquisition is
// cancellable through the context.
type Local struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewLocal() *Local {
	return &Local{slots: make(map[string]chan struct{})}
}

func (l *Local) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[key] = s
	}
	return s
}

func (l *Local) ExecuteWithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	s := l.slot(key)
	select {
	case s <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s }()
	return fn(ctx)
}
