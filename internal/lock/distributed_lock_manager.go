package lock

import (
	"context"
	"errors"
)

var (
	// ErrAlreadyHeld is returned when this process already holds the lock.
	ErrAlreadyHeld = errors.New("distributed lock already held by this instance")
	// ErrNotHeld is returned when releasing a lock this process does not hold.
	ErrNotHeld = errors.New("distributed lock not held by this instance")
)

// DistributedLockManager serializes process-wide work such as migrations and
// housekeeping sweeps across every instance sharing a backend. It is unrelated
// to the row-level locks the two-phase lock manager hands out.
type DistributedLockManager interface {
	// Acquire blocks until the lock is held or ctx is done.
	Acquire(ctx context.Context, lockID int64) error
	// TryAcquire takes the lock only if it is free right now.
	TryAcquire(ctx context.Context, lockID int64) (bool, error)
	Release(ctx context.Context, lockID int64) error
}
