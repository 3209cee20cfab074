// Package editlock provides human-scale edit sessions: one user at a time
// reserves a resource for minutes while editing it in a UI.
//
// Sessions are exclusive lock rows whose transaction id starts with
// types.EditSessionPrefix, so they block two-phase locking transactions of
// other users like any exclusive lock does.
package editlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/RezaEskandarii/txlock/internal/constants"
	"github.com/RezaEskandarii/txlock/internal/logging"
	"github.com/RezaEskandarii/txlock/internal/state"
	"github.com/RezaEskandarii/txlock/internal/store"
	"github.com/RezaEskandarii/txlock/internal/twophase"
	"github.com/RezaEskandarii/txlock/types"
	"github.com/google/uuid"
)

// Grant describes a session the caller now holds.
type Grant struct {
	LockID        string    `json:"lock_id"`
	TransactionID string    `json:"transaction_id"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type Holder struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// Status answers who is editing a resource.
type Status struct {
	IsLocked     bool       `json:"is_locked"`
	IsLockedByMe bool       `json:"is_locked_by_me"`
	Holder       *Holder    `json:"holder,omitempty"`
	LockedAt     *time.Time `json:"locked_at,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

type Service struct {
	manager *twophase.Manager
	store   store.LockStore
	users   UserResolver
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithUserResolver(users UserResolver) Option {
	return func(s *Service) {
		if users != nil {
			s.users = users
		}
	}
}

// WithTimeout sets the session length used when Acquire gets none.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(manager *twophase.Manager, opts ...Option) *Service {
	s := &Service{
		manager: manager,
		store:   manager.Store(),
		users:   idResolver{},
		logger:  logging.Discard(),
		timeout: constants.DefaultEditLockTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func validate(resourceID, resourceType, userID string) error {
	if resourceID == "" || resourceType == "" || userID == "" {
		return fmt.Errorf("%w: resource id, resource type and user id are required", twophase.ErrInvalidRequest)
	}
	return nil
}

// Acquire opens an edit session for userID. A session of another user
// yields a *ConflictError. A previous session of the same user on the
// resource is replaced. Short two-phase locks of running transactions are
// waited for the way AcquireLock waits.
func (s *Service) Acquire(ctx context.Context, resourceID, resourceType, userID string, timeout time.Duration) (*Grant, error) {
	if err := validate(resourceID, resourceType, userID); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = s.timeout
	}
	log := s.logger.With("resource_type", resourceType, "resource_id", resourceID, "user_id", userID)

	now := s.now()
	active, err := s.store.FindActive(ctx, resourceID, resourceType, now)
	if err != nil {
		return nil, fmt.Errorf("failed to read locks on %s %s: %w", resourceType, resourceID, err)
	}
	if other := foreignSession(active, userID); other != nil {
		return nil, s.conflict(ctx, other)
	}
	if err := s.releaseOwn(ctx, active, userID, now); err != nil {
		return nil, err
	}

	lock := &types.Lock{
		ID:            uuid.NewString(),
		ResourceID:    resourceID,
		ResourceType:  resourceType,
		LockType:      types.Exclusive,
		TransactionID: types.EditSessionPrefix + uuid.NewString(),
		UserID:        userID,
		Phase:         state.PhaseGrowing,
		Status:        state.StatusActive,
		AcquiredAt:    now,
		ExpiresAt:     now.Add(timeout),
	}
	inserted, err := s.store.TryInsertIfAbsent(ctx, lock)
	if err != nil {
		return nil, fmt.Errorf("failed to insert edit lock on %s %s: %w", resourceType, resourceID, err)
	}
	if !inserted {
		lock, err = s.acquireContended(ctx, lock, timeout)
		if err != nil {
			return nil, err
		}
	}

	log.InfoContext(ctx, "edit lock acquired", "lock_id", lock.ID, "expires_at", lock.ExpiresAt)
	return &Grant{LockID: lock.ID, TransactionID: lock.TransactionID, ExpiresAt: lock.ExpiresAt}, nil
}

// acquireContended handles a lost direct insert. Another user's session is a
// conflict; anything else is a transaction that will finish soon.
func (s *Service) acquireContended(ctx context.Context, want *types.Lock, timeout time.Duration) (*types.Lock, error) {
	if other, err := s.findForeignSession(ctx, want.ResourceID, want.ResourceType, want.UserID); err != nil {
		return nil, err
	} else if other != nil {
		return nil, s.conflict(ctx, other)
	}

	lock, err := s.manager.AcquireLock(ctx, twophase.AcquireRequest{
		ResourceID:    want.ResourceID,
		ResourceType:  want.ResourceType,
		LockType:      types.Exclusive,
		TransactionID: want.TransactionID,
		UserID:        want.UserID,
		Timeout:       timeout,
	})
	if err == nil {
		return lock, nil
	}
	if errors.Is(err, twophase.ErrAcquisitionTimeout) {
		// a session may have been opened while we waited
		if other, ferr := s.findForeignSession(ctx, want.ResourceID, want.ResourceType, want.UserID); ferr == nil && other != nil {
			return nil, s.conflict(ctx, other)
		}
	}
	return nil, err
}

func (s *Service) findForeignSession(ctx context.Context, resourceID, resourceType, userID string) (*types.Lock, error) {
	active, err := s.store.FindActive(ctx, resourceID, resourceType, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to read locks on %s %s: %w", resourceType, resourceID, err)
	}
	return foreignSession(active, userID), nil
}

func foreignSession(active []types.Lock, userID string) *types.Lock {
	for i := range active {
		if active[i].IsEditSession() && active[i].UserID != userID {
			return &active[i]
		}
	}
	return nil
}

func (s *Service) releaseOwn(ctx context.Context, active []types.Lock, userID string, at time.Time) error {
	for _, l := range active {
		if !l.IsEditSession() || l.UserID != userID {
			continue
		}
		if _, err := s.store.ReleaseByID(ctx, l.ID, at); err != nil {
			return fmt.Errorf("failed to release previous edit lock %s: %w", l.ID, err)
		}
		s.logger.DebugContext(ctx, "replaced previous edit lock", "lock_id", l.ID, "user_id", userID)
	}
	return nil
}

func (s *Service) conflict(ctx context.Context, holder *types.Lock) error {
	return &ConflictError{
		ResourceID:   holder.ResourceID,
		ResourceType: holder.ResourceType,
		HolderID:     holder.UserID,
		HolderName:   s.displayName(ctx, holder.UserID),
		LockedAt:     holder.AcquiredAt,
		ExpiresAt:    holder.ExpiresAt,
	}
}

func (s *Service) displayName(ctx context.Context, userID string) string {
	name, err := s.users.DisplayName(ctx, userID)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to resolve lock holder name", "user_id", userID, "error", err)
		return userID
	}
	return name
}

// Release ends every session userID holds on the resource and returns how
// many were released. Releasing nothing is not an error.
func (s *Service) Release(ctx context.Context, resourceID, resourceType, userID string) (int, error) {
	if err := validate(resourceID, resourceType, userID); err != nil {
		return 0, err
	}
	now := s.now()
	active, err := s.store.FindActive(ctx, resourceID, resourceType, now)
	if err != nil {
		return 0, fmt.Errorf("failed to read locks on %s %s: %w", resourceType, resourceID, err)
	}

	released := 0
	for _, l := range active {
		if !l.IsEditSession() || l.UserID != userID {
			continue
		}
		ok, err := s.store.ReleaseByID(ctx, l.ID, now)
		if err != nil {
			return released, fmt.Errorf("failed to release edit lock %s: %w", l.ID, err)
		}
		if ok {
			released++
		}
	}
	s.logger.DebugContext(ctx, "edit lock released",
		"resource_type", resourceType, "resource_id", resourceID, "user_id", userID, "count", released)
	return released, nil
}

// Check reports whether anyone is editing the resource.
func (s *Service) Check(ctx context.Context, resourceID, resourceType, callerID string) (Status, error) {
	if resourceID == "" || resourceType == "" {
		return Status{}, fmt.Errorf("%w: resource id and resource type are required", twophase.ErrInvalidRequest)
	}
	active, err := s.store.FindActive(ctx, resourceID, resourceType, s.now())
	if err != nil {
		return Status{}, fmt.Errorf("failed to read locks on %s %s: %w", resourceType, resourceID, err)
	}
	for i := range active {
		l := active[i]
		if !l.IsEditSession() {
			continue
		}
		return Status{
			IsLocked:     true,
			IsLockedByMe: callerID != "" && l.UserID == callerID,
			Holder:       &Holder{UserID: l.UserID, DisplayName: s.displayName(ctx, l.UserID)},
			LockedAt:     &l.AcquiredAt,
			ExpiresAt:    &l.ExpiresAt,
		}, nil
	}
	return Status{}, nil
}

// HeldBy returns the live session userID holds on the resource, or nil.
func (s *Service) HeldBy(ctx context.Context, resourceID, resourceType, userID string) (*types.Lock, error) {
	active, err := s.store.FindActive(ctx, resourceID, resourceType, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to read locks on %s %s: %w", resourceType, resourceID, err)
	}
	for i := range active {
		if active[i].IsEditSession() && active[i].UserID == userID {
			return &active[i], nil
		}
	}
	return nil, nil
}
