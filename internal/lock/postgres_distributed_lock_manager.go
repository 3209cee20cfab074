package lock

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// PostgresDistributedLockManager uses session-level advisory locks. Each held
// lock pins the connection that took it, because Postgres only lets the
// owning session unlock.
type PostgresDistributedLockManager struct {
	db *sql.DB

	mu    sync.Mutex
	conns map[int64]*sql.Conn
}

var _ DistributedLockManager = (*PostgresDistributedLockManager)(nil)

func NewPostgresDistributedLockManager(db *sql.DB) *PostgresDistributedLockManager {
	return &PostgresDistributedLockManager{
		db:    db,
		conns: make(map[int64]*sql.Conn),
	}
}

func (l *PostgresDistributedLockManager) Acquire(ctx context.Context, lockID int64) error {
	if l.isHeld(lockID) {
		return ErrAlreadyHeld
	}
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	if _, err = conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", lockID); err != nil {
		conn.Close()
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	return l.keep(lockID, conn)
}

func (l *PostgresDistributedLockManager) TryAcquire(ctx context.Context, lockID int64) (bool, error) {
	if l.isHeld(lockID) {
		return false, nil
	}
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	var ok bool
	if err = conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&ok); err != nil {
		conn.Close()
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		conn.Close()
		return false, nil
	}
	if err = l.keep(lockID, conn); err != nil {
		return false, err
	}
	return true, nil
}

func (l *PostgresDistributedLockManager) Release(ctx context.Context, lockID int64) error {
	l.mu.Lock()
	conn, ok := l.conns[lockID]
	delete(l.conns, lockID)
	l.mu.Unlock()
	if !ok {
		return ErrNotHeld
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", lockID); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

func (l *PostgresDistributedLockManager) isHeld(lockID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.conns[lockID]
	return ok
}

// keep records conn as the owner of lockID. A concurrent caller in this
// process may have won the same id in the meantime; the loser gives its
// session lock back.
func (l *PostgresDistributedLockManager) keep(lockID int64, conn *sql.Conn) error {
	l.mu.Lock()
	if _, dup := l.conns[lockID]; !dup {
		l.conns[lockID] = conn
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", lockID)
	conn.Close()
	return ErrAlreadyHeld
}
