package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/RezaEskandarii/txlock/internal/state"
	"github.com/RezaEskandarii/txlock/internal/store"
	"github.com/RezaEskandarii/txlock/types"
	"github.com/lib/pq"
)

// uniqueViolation is the SQLSTATE Postgres reports when the partial unique
// index on active exclusive locks rejects an insert.
const uniqueViolation = "23505"

const lockColumns = `id, resource_id, resource_type, lock_type, transaction_id, user_id,
	phase, status, acquired_at, expires_at, released_at`

type PostgresLockStore struct {
	db *sql.DB
}

var _ store.LockStore = (*PostgresLockStore)(nil)

func NewPostgresLockStore(db *sql.DB) *PostgresLockStore {
	return &PostgresLockStore{db: db}
}

func (s *PostgresLockStore) FindActive(ctx context.Context, resourceID, resourceType string, now time.Time) ([]types.Lock, error) {
	query := `SELECT ` + lockColumns + `
		FROM txlock_schema.locks
		WHERE resource_id = $1 AND resource_type = $2 AND status = $3 AND expires_at > $4
		ORDER BY acquired_at ASC`

	rows, err := s.db.QueryContext(ctx, query, resourceID, resourceType, string(state.StatusActive), now)
	if err != nil {
		return nil, fmt.Errorf("failed to query active locks: %w", err)
	}
	return scanLocks(rows)
}

// TryInsertIfAbsent serializes inserts per resource with a transaction-scoped
// advisory lock so the conflict check and the insert see the same rows. The
// partial unique index still rejects a second active exclusive lock if the
// advisory key ever collides.
func (s *PostgresLockStore) TryInsertIfAbsent(ctx context.Context, lock *types.Lock) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	key := lock.ResourceType + ":" + lock.ResourceID
	if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return false, fmt.Errorf("failed to lock resource %s: %w", key, err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE txlock_schema.locks
		SET status = $1, released_at = $2
		WHERE resource_id = $3 AND resource_type = $4 AND status = $5 AND expires_at <= $2`,
		string(state.StatusReleased), lock.AcquiredAt, lock.ResourceID, lock.ResourceType, string(state.StatusActive))
	if err != nil {
		return false, fmt.Errorf("failed to release expired locks: %w", err)
	}

	var conflict bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM txlock_schema.locks
			WHERE resource_id = $1 AND resource_type = $2 AND status = $3
			  AND transaction_id <> $4
			  AND (lock_type = $5 OR $6::text = $5)
		)`,
		lock.ResourceID, lock.ResourceType, string(state.StatusActive), lock.TransactionID,
		string(types.Exclusive), string(lock.LockType)).Scan(&conflict)
	if err != nil {
		return false, fmt.Errorf("failed to check lock conflicts: %w", err)
	}
	if conflict {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO txlock_schema.locks (`+lockColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULL)`,
		lock.ID, lock.ResourceID, lock.ResourceType, string(lock.LockType), lock.TransactionID, lock.UserID,
		string(lock.Phase), string(lock.Status), lock.AcquiredAt, lock.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert lock: %w", err)
	}

	if err = tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to commit lock insert: %w", err)
	}
	return true, nil
}

func (s *PostgresLockStore) FindByTransaction(ctx context.Context, transactionID string) ([]types.Lock, error) {
	query := `SELECT ` + lockColumns + `
		FROM txlock_schema.locks
		WHERE transaction_id = $1 AND status = $2
		ORDER BY acquired_at ASC`

	rows, err := s.db.QueryContext(ctx, query, transactionID, string(state.StatusActive))
	if err != nil {
		return nil, fmt.Errorf("failed to query transaction locks: %w", err)
	}
	return scanLocks(rows)
}

func (s *PostgresLockStore) HasShrinkingLock(ctx context.Context, transactionID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM txlock_schema.locks WHERE transaction_id = $1 AND phase = $2)`,
		transactionID, string(state.PhaseShrinking)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check lock phase: %w", err)
	}
	return exists, nil
}

func (s *PostgresLockStore) UpdatePhase(ctx context.Context, transactionID string, from, to state.LockPhase) (int64, error) {
	if !state.IsValidPhaseTransition(from, to) {
		return 0, fmt.Errorf("invalid phase transition from %s to %s", from, to)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE txlock_schema.locks SET phase = $1
		WHERE transaction_id = $2 AND status = $3 AND phase = $4`,
		string(to), transactionID, string(state.StatusActive), string(from))
	if err != nil {
		return 0, fmt.Errorf("failed to update lock phase: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresLockStore) Release(ctx context.Context, resourceID, resourceType, transactionID string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE txlock_schema.locks SET status = $1, released_at = $2
		WHERE resource_id = $3 AND resource_type = $4 AND transaction_id = $5 AND status = $6`,
		string(state.StatusReleased), at, resourceID, resourceType, transactionID, string(state.StatusActive))
	if err != nil {
		return 0, fmt.Errorf("failed to release lock: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresLockStore) ReleaseByTransaction(ctx context.Context, transactionID string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE txlock_schema.locks SET status = $1, released_at = $2
		WHERE transaction_id = $3 AND status = $4`,
		string(state.StatusReleased), at, transactionID, string(state.StatusActive))
	if err != nil {
		return 0, fmt.Errorf("failed to release transaction locks: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresLockStore) ReleaseByID(ctx context.Context, lockID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE txlock_schema.locks SET status = $1, released_at = $2
		WHERE id = $3 AND status = $4`,
		string(state.StatusReleased), at, lockID, string(state.StatusActive))
	if err != nil {
		return false, fmt.Errorf("failed to release lock %s: %w", lockID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresLockStore) ReleaseExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE txlock_schema.locks SET status = $1, released_at = $2
		WHERE status = $3 AND expires_at <= $2`,
		string(state.StatusReleased), now, string(state.StatusActive))
	if err != nil {
		return 0, fmt.Errorf("failed to release expired locks: %w", err)
	}
	return res.RowsAffected()
}

// DeleteExpired also drops wait registrations that expired before the cutoff.
func (s *PostgresLockStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM txlock_schema.locks WHERE status = $1 AND released_at < $2`,
		string(state.StatusReleased), before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete released locks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if _, err = s.db.ExecContext(ctx, `DELETE FROM txlock_schema.lock_waits WHERE expires_at < $1`, before); err != nil {
		return n, fmt.Errorf("failed to delete stale waits: %w", err)
	}
	return n, nil
}

func (s *PostgresLockStore) ListActive(ctx context.Context, now time.Time) ([]types.Lock, error) {
	query := `SELECT ` + lockColumns + `
		FROM txlock_schema.locks
		WHERE status = $1 AND expires_at > $2
		ORDER BY resource_type, resource_id, acquired_at`

	rows, err := s.db.QueryContext(ctx, query, string(state.StatusActive), now)
	if err != nil {
		return nil, fmt.Errorf("failed to list active locks: %w", err)
	}
	return scanLocks(rows)
}

func (s *PostgresLockStore) CountActiveByTransaction(ctx context.Context, transactionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM txlock_schema.locks WHERE transaction_id = $1 AND status = $2`,
		transactionID, string(state.StatusActive)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count transaction locks: %w", err)
	}
	return count, nil
}

func (s *PostgresLockStore) RecordWait(ctx context.Context, wait types.LockWait) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO txlock_schema.lock_waits
			(transaction_id, resource_id, resource_type, lock_type, user_id, since, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (transaction_id, resource_type, resource_id) DO UPDATE SET
			lock_type = EXCLUDED.lock_type,
			expires_at = EXCLUDED.expires_at`,
		wait.TransactionID, wait.ResourceID, wait.ResourceType, string(wait.LockType), wait.UserID, wait.Since, wait.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to record lock wait: %w", err)
	}
	return nil
}

func (s *PostgresLockStore) ClearWait(ctx context.Context, transactionID, resourceID, resourceType string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM txlock_schema.lock_waits
		WHERE transaction_id = $1 AND resource_id = $2 AND resource_type = $3`,
		transactionID, resourceID, resourceType)
	if err != nil {
		return fmt.Errorf("failed to clear lock wait: %w", err)
	}
	return nil
}

func (s *PostgresLockStore) ListWaits(ctx context.Context, now time.Time) ([]types.LockWait, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id, resource_id, resource_type, lock_type, user_id, since, expires_at
		FROM txlock_schema.lock_waits
		WHERE expires_at > $1
		ORDER BY since ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list lock waits: %w", err)
	}
	defer rows.Close()

	var waits []types.LockWait
	for rows.Next() {
		var w types.LockWait
		var lockType string
		if err := rows.Scan(&w.TransactionID, &w.ResourceID, &w.ResourceType, &lockType, &w.UserID, &w.Since, &w.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan lock wait: %w", err)
		}
		w.LockType = types.LockType(lockType)
		waits = append(waits, w)
	}
	return waits, rows.Err()
}

func (s *PostgresLockStore) Close() error {
	return s.db.Close()
}

func scanLocks(rows *sql.Rows) ([]types.Lock, error) {
	defer rows.Close()

	var locks []types.Lock
	for rows.Next() {
		var (
			l                       types.Lock
			lockType, phase, status string
			releasedAt              sql.NullTime
		)
		err := rows.Scan(&l.ID, &l.ResourceID, &l.ResourceType, &lockType, &l.TransactionID, &l.UserID,
			&phase, &status, &l.AcquiredAt, &l.ExpiresAt, &releasedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lock: %w", err)
		}
		l.LockType = types.LockType(lockType)
		l.Phase = state.LockPhase(phase)
		l.Status = state.LockStatus(status)
		if releasedAt.Valid {
			t := releasedAt.Time
			l.ReleasedAt = &t
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}
