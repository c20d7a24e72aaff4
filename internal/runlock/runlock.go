// Package runlock guarantees that only one run per domain is active.
//
// Memory is the in-process guard. Redis promotes it to a store-level advisory
// lock so several deskbridge instances can share one target store. Multi
// stacks both: the local guard answers immediately, the Redis lock closes the
// cross-process window.
package runlock

import (
	"context"
	"sync"

	"github.com/deskbridge/deskbridge/internal/errors"
)

// ErrNotHeld is returned when releasing a key this process does not hold.
var ErrNotHeld = errors.NewStd("run lock not held")

// Locker acquires and releases per-domain run locks.
type Locker interface {
	// TryLock acquires key without blocking and reports whether it succeeded.
	TryLock(ctx context.Context, key string) (bool, error)
	// Unlock releases a key acquired with TryLock.
	Unlock(ctx context.Context, key string) error
	// IsLocked reports whether anyone holds key.
	IsLocked(ctx context.Context, key string) (bool, error)
}

// Memory is a process-local Locker.
type Memory struct {
	mu   sync.Mutex
	held map[string]struct{}
}

var _ Locker = (*Memory)(nil)

// NewMemory creates an empty in-process guard.
func NewMemory() *Memory {
	return &Memory{held: make(map[string]struct{})}
}

// TryLock acquires key if it is free.
func (m *Memory) TryLock(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[key]; ok {
		return false, nil
	}
	m.held[key] = struct{}{}
	return true, nil
}

// Unlock releases key.
func (m *Memory) Unlock(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[key]; !ok {
		return ErrNotHeld
	}
	delete(m.held, key)
	return nil
}

// IsLocked reports whether key is held.
func (m *Memory) IsLocked(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[key]
	return ok, nil
}

// Multi acquires every locker in order and releases in reverse.
type Multi []Locker

var _ Locker = Multi(nil)

// TryLock acquires key on all lockers, undoing partial acquisitions on failure.
func (m Multi) TryLock(ctx context.Context, key string) (bool, error) {
	for i, l := range m {
		ok, err := l.TryLock(ctx, key)
		if err != nil || !ok {
			for j := i - 1; j >= 0; j-- {
				_ = m[j].Unlock(ctx, key)
			}
			return false, err
		}
	}
	return true, nil
}

// Unlock releases key on all lockers and joins the errors.
func (m Multi) Unlock(ctx context.Context, key string) error {
	var errs []error
	for i := len(m) - 1; i >= 0; i-- {
		if err := m[i].Unlock(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsLocked reports whether any locker holds key.
func (m Multi) IsLocked(ctx context.Context, key string) (bool, error) {
	for _, l := range m {
		locked, err := l.IsLocked(ctx, key)
		if err != nil {
			return false, err
		}
		if locked {
			return true, nil
		}
	}
	return false, nil
}
