package store

import (
	"context"
	"time"

	"github.com/RezaEskandarii/txlock/internal/state"
	"github.com/RezaEskandarii/txlock/types"
)

// LockStore persists lock records. Implementations must make
// TryInsertIfAbsent atomic across every process sharing the store; the lock
// manager keeps no in-memory lock table of its own.
type LockStore interface {
	// FindActive returns the active locks on a resource whose ExpiresAt is after now.
	FindActive(ctx context.Context, resourceID, resourceType string, now time.Time) ([]types.Lock, error)

	// TryInsertIfAbsent inserts lock unless an unexpired active lock of another
	// transaction on the same resource conflicts with it. Expired active locks
	// on the resource are released first. A conflict returns (false, nil).
	TryInsertIfAbsent(ctx context.Context, lock *types.Lock) (bool, error)

	// FindByTransaction returns the active locks held by a transaction.
	FindByTransaction(ctx context.Context, transactionID string) ([]types.Lock, error)

	// HasShrinkingLock reports whether any lock of the transaction, in any status, reached the shrinking phase.
	HasShrinkingLock(ctx context.Context, transactionID string) (bool, error)

	// UpdatePhase moves every active lock of the transaction from one phase to another.
	UpdatePhase(ctx context.Context, transactionID string, from, to state.LockPhase) (int64, error)

	// Release marks the transaction's active locks on one resource released.
	Release(ctx context.Context, resourceID, resourceType, transactionID string, at time.Time) (int64, error)

	// ReleaseByTransaction marks every active lock of the transaction released.
	ReleaseByTransaction(ctx context.Context, transactionID string, at time.Time) (int64, error)

	ReleaseByID(ctx context.Context, lockID string, at time.Time) (bool, error)

	// ReleaseExpired force-releases active locks whose ExpiresAt is not after now.
	ReleaseExpired(ctx context.Context, now time.Time) (int64, error)

	// DeleteExpired removes released locks whose ReleasedAt is before the cutoff.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)

	ListActive(ctx context.Context, now time.Time) ([]types.Lock, error)

	CountActiveByTransaction(ctx context.Context, transactionID string) (int, error)

	// RecordWait registers that a transaction is blocked on a resource.
	// Recording the same (transaction, resource) again refreshes it.
	RecordWait(ctx context.Context, wait types.LockWait) error

	ClearWait(ctx context.Context, transactionID, resourceID, resourceType string) error

	// ListWaits returns wait registrations whose ExpiresAt is after now.
	ListWaits(ctx context.Context, now time.Time) ([]types.LockWait, error)

	// Close closes the underlying connection.
	Close() error
}
