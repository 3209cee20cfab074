// Package twophase implements strict two-phase locking over a store.LockStore.
// A transaction acquires shared or exclusive locks while growing, switches
// to shrinking once, and from then on may only release.
package twophase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/RezaEskandarii/txlock/internal/constants"
	"github.com/RezaEskandarii/txlock/internal/logging"
	"github.com/RezaEskandarii/txlock/internal/state"
	"github.com/RezaEskandarii/txlock/internal/store"
	"github.com/RezaEskandarii/txlock/types"
	"github.com/google/uuid"
)

type Manager struct {
	store   store.LockStore
	logger  *slog.Logger
	metrics *Metrics

	retryInterval    time.Duration
	maxRetryInterval time.Duration
	maxWait          time.Duration
	defaultTimeout   time.Duration

	now   func() time.Time
	newID func() string
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithRetryInterval sets the first and the largest pause between attempts.
func WithRetryInterval(initial, max time.Duration) Option {
	return func(m *Manager) {
		if initial > 0 {
			m.retryInterval = initial
		}
		if max >= m.retryInterval {
			m.maxRetryInterval = max
		}
	}
}

// WithMaxWait caps how long a single AcquireLock call keeps retrying,
// whatever timeout the request carries.
func WithMaxWait(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.maxWait = d
		}
	}
}

// WithDefaultTimeout is used for requests that leave Timeout at zero.
func WithDefaultTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.defaultTimeout = d
		}
	}
}

// WithClock replaces time.Now for lock timestamps and deadlines.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewManager(lockStore store.LockStore, opts ...Option) *Manager {
	m := &Manager{
		store:            lockStore,
		logger:           logging.Discard(),
		retryInterval:    constants.DefaultRetryInterval,
		maxRetryInterval: constants.DefaultMaxRetryInterval,
		maxWait:          constants.DefaultMaxWait,
		defaultTimeout:   constants.DefaultLockTimeout,
		now:              time.Now,
		newID:            uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store exposes the backing store to collaborators that share it.
func (m *Manager) Store() store.LockStore {
	return m.store
}

// AcquireRequest describes one lock a transaction wants.
type AcquireRequest struct {
	ResourceID    string
	ResourceType  string
	LockType      types.LockType
	TransactionID string
	UserID        string
	// Timeout is both the lock lifetime and the longest the caller is
	// willing to wait. Zero means the manager default.
	Timeout time.Duration
}

func (r AcquireRequest) validate() error {
	var missing []string
	if r.ResourceID == "" {
		missing = append(missing, "resource id")
	}
	if r.ResourceType == "" {
		missing = append(missing, "resource type")
	}
	if r.TransactionID == "" {
		missing = append(missing, "transaction id")
	}
	if r.UserID == "" {
		missing = append(missing, "user id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	if !r.LockType.Valid() {
		return fmt.Errorf("%w: unknown lock type %q", ErrInvalidRequest, r.LockType)
	}
	if r.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout %s", ErrInvalidRequest, r.Timeout)
	}
	return nil
}

// AcquireLock grants req or returns an error. A lock the transaction
// already holds in an equal or stronger mode is returned as is. A shared
// lock is upgraded by adding an exclusive row once no other transaction
// holds the resource. Waiting is bounded by min(Timeout, max wait) and
// reported as *AcquisitionTimeoutError.
func (m *Manager) AcquireLock(ctx context.Context, req AcquireRequest) (*types.Lock, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	timeout := req.Timeout
	if timeout == 0 {
		timeout = m.defaultTimeout
	}
	log := m.logger.With(
		"resource_type", req.ResourceType,
		"resource_id", req.ResourceID,
		"lock_type", req.LockType,
		"txn_id", req.TransactionID,
	)

	shrinking, err := m.store.HasShrinkingLock(ctx, req.TransactionID)
	if err != nil {
		m.metrics.recordAcquire(req.LockType, resultError, 0)
		return nil, fmt.Errorf("failed to check phase of transaction %s: %w", req.TransactionID, err)
	}
	if shrinking {
		m.metrics.recordAcquire(req.LockType, resultViolation, 0)
		log.ErrorContext(ctx, "lock requested after the transaction started releasing")
		return nil, &ProtocolViolationError{
			TransactionID: req.TransactionID,
			ResourceID:    req.ResourceID,
			ResourceType:  req.ResourceType,
		}
	}

	start := m.now()
	deadline := start.Add(min(timeout, m.maxWait))
	schedule := newBackoff(m.retryInterval, m.maxRetryInterval)

	var (
		waiting bool
		blocker string
	)
	defer func() {
		if !waiting {
			return
		}
		if err := m.store.ClearWait(context.WithoutCancel(ctx), req.TransactionID, req.ResourceID, req.ResourceType); err != nil {
			log.WarnContext(ctx, "failed to clear wait registration", "error", err)
		}
	}()

	for {
		now := m.now()
		active, err := m.store.FindActive(ctx, req.ResourceID, req.ResourceType, now)
		if err != nil {
			m.metrics.recordAcquire(req.LockType, resultError, now.Sub(start))
			return nil, fmt.Errorf("failed to read locks on %s %s: %w", req.ResourceType, req.ResourceID, err)
		}

		held, conflict := evaluate(active, req)
		if held != nil {
			m.metrics.recordAcquire(req.LockType, resultReentered, now.Sub(start))
			log.DebugContext(ctx, "lock already held by transaction", "lock_id", held.ID)
			return held, nil
		}

		if conflict == nil {
			lock := &types.Lock{
				ID:            m.newID(),
				ResourceID:    req.ResourceID,
				ResourceType:  req.ResourceType,
				LockType:      req.LockType,
				TransactionID: req.TransactionID,
				UserID:        req.UserID,
				Phase:         state.PhaseGrowing,
				Status:        state.StatusActive,
				AcquiredAt:    now,
				ExpiresAt:     now.Add(timeout),
			}
			inserted, err := m.store.TryInsertIfAbsent(ctx, lock)
			if err != nil {
				m.metrics.recordAcquire(req.LockType, resultError, now.Sub(start))
				return nil, fmt.Errorf("failed to insert lock on %s %s: %w", req.ResourceType, req.ResourceID, err)
			}
			if inserted {
				waited := m.now().Sub(start)
				m.metrics.recordAcquire(req.LockType, resultAcquired, waited)
				log.DebugContext(ctx, "lock acquired", "lock_id", lock.ID, "waited", waited)
				return lock, nil
			}
			// another transaction got in between the read and the insert
		} else {
			blocker = conflict.TransactionID
		}

		if !waiting {
			wait := types.LockWait{
				TransactionID: req.TransactionID,
				ResourceID:    req.ResourceID,
				ResourceType:  req.ResourceType,
				LockType:      req.LockType,
				UserID:        req.UserID,
				Since:         start,
				ExpiresAt:     deadline,
			}
			if err := m.store.RecordWait(ctx, wait); err != nil {
				log.WarnContext(ctx, "failed to register wait", "error", err)
			} else {
				waiting = true
			}
			log.DebugContext(ctx, "waiting for lock", "holder_txn_id", blocker)
		}

		remaining := deadline.Sub(m.now())
		if remaining <= 0 {
			waited := m.now().Sub(start)
			m.metrics.recordAcquire(req.LockType, resultTimeout, waited)
			log.WarnContext(ctx, "lock acquisition timed out", "holder_txn_id", blocker, "waited", waited)
			return nil, &AcquisitionTimeoutError{
				ResourceID:            req.ResourceID,
				ResourceType:          req.ResourceType,
				LockType:              req.LockType,
				TransactionID:         req.TransactionID,
				BlockingTransactionID: blocker,
				Waited:                waited,
			}
		}

		if err := sleep(ctx, min(schedule.NextBackOff(), remaining)); err != nil {
			m.metrics.recordAcquire(req.LockType, resultError, m.now().Sub(start))
			return nil, fmt.Errorf("lock acquisition on %s %s cancelled: %w", req.ResourceType, req.ResourceID, err)
		}
	}
}

// evaluate splits the active locks of a resource into the one req can reuse
// and the first one held by another transaction that blocks it.
func evaluate(active []types.Lock, req AcquireRequest) (held, conflict *types.Lock) {
	for i := range active {
		l := &active[i]
		if l.TransactionID == req.TransactionID {
			if held == nil && covers(l.LockType, req.LockType) {
				held = l
			}
			continue
		}
		if conflict == nil && !IsLockCompatible(l.LockType, req.LockType, false) {
			conflict = l
		}
	}
	if held != nil {
		return held, nil
	}
	return nil, conflict
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ReleaseLock releases the transaction's locks on one resource. Releasing
// something that is not held is a no-op and reports false.
func (m *Manager) ReleaseLock(ctx context.Context, resourceID, resourceType, transactionID string) (bool, error) {
	if resourceID == "" || resourceType == "" || transactionID == "" {
		return false, fmt.Errorf("%w: resource id, resource type and transaction id are required", ErrInvalidRequest)
	}
	n, err := m.store.Release(ctx, resourceID, resourceType, transactionID, m.now())
	if err != nil {
		return false, fmt.Errorf("failed to release %s %s: %w", resourceType, resourceID, err)
	}
	if n == 0 {
		m.logger.DebugContext(ctx, "release of a lock that is not held",
			"resource_type", resourceType, "resource_id", resourceID, "txn_id", transactionID)
		return false, nil
	}
	m.metrics.recordRelease("explicit", n)
	return true, nil
}

// ReleaseAllLocks releases every active lock of the transaction and returns
// how many were released.
func (m *Manager) ReleaseAllLocks(ctx context.Context, transactionID string) (int, error) {
	if transactionID == "" {
		return 0, fmt.Errorf("%w: missing transaction id", ErrInvalidRequest)
	}
	n, err := m.store.ReleaseByTransaction(ctx, transactionID, m.now())
	if err != nil {
		return 0, fmt.Errorf("failed to release locks of transaction %s: %w", transactionID, err)
	}
	m.metrics.recordRelease("transaction", n)
	m.logger.DebugContext(ctx, "released transaction locks", "txn_id", transactionID, "count", n)
	return int(n), nil
}

// TransitionToShrinkingPhase moves every growing lock of the transaction to
// shrinking. It is one-way; later AcquireLock calls for the transaction fail
// with a protocol violation.
func (m *Manager) TransitionToShrinkingPhase(ctx context.Context, transactionID string) (int, error) {
	if transactionID == "" {
		return 0, fmt.Errorf("%w: missing transaction id", ErrInvalidRequest)
	}
	n, err := m.store.UpdatePhase(ctx, transactionID, state.PhaseGrowing, state.PhaseShrinking)
	if err != nil {
		return 0, fmt.Errorf("failed to move transaction %s to shrinking phase: %w", transactionID, err)
	}
	return int(n), nil
}

// IsResourceLocked returns an active lock on the resource, preferring an
// exclusive one, or nil when the resource is free.
func (m *Manager) IsResourceLocked(ctx context.Context, resourceID, resourceType string) (*types.Lock, error) {
	active, err := m.store.FindActive(ctx, resourceID, resourceType, m.now())
	if err != nil {
		return nil, fmt.Errorf("failed to read locks on %s %s: %w", resourceType, resourceID, err)
	}
	var found *types.Lock
	for i := range active {
		if active[i].LockType == types.Exclusive {
			return &active[i], nil
		}
		if found == nil {
			found = &active[i]
		}
	}
	return found, nil
}

// ActiveLockCount returns how many active locks the transaction holds.
func (m *Manager) ActiveLockCount(ctx context.Context, transactionID string) (int, error) {
	return m.store.CountActiveByTransaction(ctx, transactionID)
}

// ListActive returns one page of the currently active locks.
func (m *Manager) ListActive(ctx context.Context, page, pageSize int) (types.PaginationResult[types.Lock], error) {
	locks, err := m.store.ListActive(ctx, m.now())
	if err != nil {
		return types.PaginationResult[types.Lock]{}, fmt.Errorf("failed to list active locks: %w", err)
	}
	return types.Paginate(locks, page, pageSize), nil
}

// CleanupExpiredLocks marks every active lock past its expiry as released.
// Correctness never depends on it; expired locks are already ignored by
// conflict checks.
func (m *Manager) CleanupExpiredLocks(ctx context.Context) (int, error) {
	n, err := m.store.ReleaseExpired(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("failed to release expired locks: %w", err)
	}
	m.metrics.recordRelease("expired", n)
	if n > 0 {
		m.logger.InfoContext(ctx, "released expired locks", "count", n)
	}
	return int(n), nil
}

// PurgeReleased deletes released lock rows older than retention.
func (m *Manager) PurgeReleased(ctx context.Context, retention time.Duration) (int, error) {
	n, err := m.store.DeleteExpired(ctx, m.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to purge released locks: %w", err)
	}
	if n > 0 {
		m.logger.InfoContext(ctx, "purged released locks", "count", n, "retention", retention)
	}
	return int(n), nil
}
