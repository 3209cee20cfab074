package mocks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/RezaEskandarii/txlock/internal/state"
	"github.com/RezaEskandarii/txlock/internal/store"
	"github.com/RezaEskandarii/txlock/types"
)

// MemoryLockStore is an in-process store.LockStore for tests. A single mutex
// makes TryInsertIfAbsent atomic the way the real stores are.
type MemoryLockStore struct {
	mu    sync.Mutex
	locks []types.Lock
	waits map[string]types.LockWait

	// FailWith, when set, is returned by every call.
	FailWith error
	// InsertHook runs before each TryInsertIfAbsent while the store is unlocked.
	InsertHook func(lock *types.Lock)
}

var _ store.LockStore = (*MemoryLockStore)(nil)

func NewMemoryLockStore() *MemoryLockStore {
	return &MemoryLockStore{waits: make(map[string]types.LockWait)}
}

// All returns a copy of every row, released ones included.
func (m *MemoryLockStore) All() []types.Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Lock, len(m.locks))
	copy(out, m.locks)
	return out
}

// Put inserts a row unconditionally, for arranging test fixtures.
func (m *MemoryLockStore) Put(lock types.Lock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks = append(m.locks, lock)
}

func (m *MemoryLockStore) FindActive(_ context.Context, resourceID, resourceType string, now time.Time) ([]types.Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	var out []types.Lock
	for _, l := range m.locks {
		if l.ResourceID == resourceID && l.ResourceType == resourceType && l.IsActiveAt(now) {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *MemoryLockStore) TryInsertIfAbsent(_ context.Context, lock *types.Lock) (bool, error) {
	if m.InsertHook != nil {
		m.InsertHook(lock)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return false, m.FailWith
	}

	now := lock.AcquiredAt
	for i := range m.locks {
		l := &m.locks[i]
		if l.ResourceID != lock.ResourceID || l.ResourceType != lock.ResourceType || l.Status != state.StatusActive {
			continue
		}
		if !l.ExpiresAt.After(now) {
			release(l, now)
			continue
		}
		if l.TransactionID == lock.TransactionID {
			if l.LockType == types.Exclusive && lock.LockType == types.Exclusive {
				return false, nil
			}
			continue
		}
		if l.LockType == types.Exclusive || lock.LockType == types.Exclusive {
			return false, nil
		}
	}
	m.locks = append(m.locks, *lock)
	return true, nil
}

func (m *MemoryLockStore) FindByTransaction(_ context.Context, transactionID string) ([]types.Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	var out []types.Lock
	for _, l := range m.locks {
		if l.TransactionID == transactionID && l.Status == state.StatusActive {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *MemoryLockStore) HasShrinkingLock(_ context.Context, transactionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return false, m.FailWith
	}
	for _, l := range m.locks {
		if l.TransactionID == transactionID && l.Phase == state.PhaseShrinking {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryLockStore) UpdatePhase(_ context.Context, transactionID string, from, to state.LockPhase) (int64, error) {
	if !state.IsValidPhaseTransition(from, to) {
		return 0, fmt.Errorf("invalid phase transition from %s to %s", from, to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return 0, m.FailWith
	}
	var n int64
	for i := range m.locks {
		l := &m.locks[i]
		if l.TransactionID == transactionID && l.Status == state.StatusActive && l.Phase == from {
			l.Phase = to
			n++
		}
	}
	return n, nil
}

func (m *MemoryLockStore) Release(_ context.Context, resourceID, resourceType, transactionID string, at time.Time) (int64, error) {
	return m.releaseWhere(at, func(l *types.Lock) bool {
		return l.ResourceID == resourceID && l.ResourceType == resourceType && l.TransactionID == transactionID
	})
}

func (m *MemoryLockStore) ReleaseByTransaction(_ context.Context, transactionID string, at time.Time) (int64, error) {
	return m.releaseWhere(at, func(l *types.Lock) bool { return l.TransactionID == transactionID })
}

func (m *MemoryLockStore) ReleaseByID(_ context.Context, lockID string, at time.Time) (bool, error) {
	n, err := m.releaseWhere(at, func(l *types.Lock) bool { return l.ID == lockID })
	return n > 0, err
}

func (m *MemoryLockStore) ReleaseExpired(_ context.Context, now time.Time) (int64, error) {
	return m.releaseWhere(now, func(l *types.Lock) bool { return !l.ExpiresAt.After(now) })
}

func (m *MemoryLockStore) releaseWhere(at time.Time, match func(*types.Lock) bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return 0, m.FailWith
	}
	var n int64
	for i := range m.locks {
		l := &m.locks[i]
		if l.Status == state.StatusActive && match(l) {
			release(l, at)
			n++
		}
	}
	return n, nil
}

func (m *MemoryLockStore) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return 0, m.FailWith
	}
	kept := m.locks[:0]
	var n int64
	for _, l := range m.locks {
		if l.Status == state.StatusReleased && l.ReleasedAt != nil && l.ReleasedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, l)
	}
	m.locks = kept
	for k, w := range m.waits {
		if w.ExpiresAt.Before(before) {
			delete(m.waits, k)
		}
	}
	return n, nil
}

func (m *MemoryLockStore) ListActive(_ context.Context, now time.Time) ([]types.Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	var out []types.Lock
	for _, l := range m.locks {
		if l.IsActiveAt(now) {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *MemoryLockStore) CountActiveByTransaction(ctx context.Context, transactionID string) (int, error) {
	locks, err := m.FindByTransaction(ctx, transactionID)
	return len(locks), err
}

func (m *MemoryLockStore) RecordWait(_ context.Context, wait types.LockWait) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	key := waitKey(wait.TransactionID, wait.ResourceID, wait.ResourceType)
	if prev, ok := m.waits[key]; ok {
		wait.Since = prev.Since
	}
	m.waits[key] = wait
	return nil
}

func (m *MemoryLockStore) ClearWait(_ context.Context, transactionID, resourceID, resourceType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	delete(m.waits, waitKey(transactionID, resourceID, resourceType))
	return nil
}

func (m *MemoryLockStore) ListWaits(_ context.Context, now time.Time) ([]types.LockWait, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	var out []types.LockWait
	for _, w := range m.waits {
		if w.ExpiresAt.After(now) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Since.Before(out[j].Since) })
	return out, nil
}

func (m *MemoryLockStore) Close() error { return nil }

func release(l *types.Lock, at time.Time) {
	t := at
	l.Status = state.StatusReleased
	l.ReleasedAt = &t
}

func waitKey(transactionID, resourceID, resourceType string) string {
	return transactionID + "|" + resourceType + "|" + resourceID
}
