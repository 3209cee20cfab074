package types

import (
	"strings"
	"time"

	"github.com/RezaEskandarii/txlock/internal/state"
)

// LockType is the access mode a lock grants.
type LockType string

const (
	Shared    LockType = "shared"
	Exclusive LockType = "exclusive"
)

func (t LockType) String() string {
	return string(t)
}

// Valid reports whether t is one of the known lock modes.
func (t LockType) Valid() bool {
	return t == Shared || t == Exclusive
}

// EditSessionPrefix marks transaction ids that belong to edit-session locks
// rather than to a two-phase locking transaction.
const EditSessionPrefix = "edit:"

// Lock is one persisted lock record.
type Lock struct {
	ID            string           `json:"id"`
	ResourceID    string           `json:"resource_id"`
	ResourceType  string           `json:"resource_type"`
	LockType      LockType         `json:"lock_type"`
	TransactionID string           `json:"transaction_id"`
	UserID        string           `json:"user_id"`
	Phase         state.LockPhase  `json:"phase"`
	Status        state.LockStatus `json:"status"`
	AcquiredAt    time.Time        `json:"acquired_at"`
	ExpiresAt     time.Time        `json:"expires_at"`
	ReleasedAt    *time.Time       `json:"released_at,omitempty"`
}

// IsActiveAt reports whether the lock still counts for conflict checks at now.
func (l *Lock) IsActiveAt(now time.Time) bool {
	return l.Status == state.StatusActive && l.ExpiresAt.After(now)
}

// IsEditSession reports whether the lock is an edit-session reservation.
func (l *Lock) IsEditSession() bool {
	return strings.HasPrefix(l.TransactionID, EditSessionPrefix)
}

// LockWait records that a transaction is blocked waiting for a resource.
// Waits are what the deadlock detector uses as the "wants" side of the
// wait-for graph.
type LockWait struct {
	TransactionID string    `json:"transaction_id"`
	ResourceID    string    `json:"resource_id"`
	ResourceType  string    `json:"resource_type"`
	LockType      LockType  `json:"lock_type"`
	UserID        string    `json:"user_id"`
	Since         time.Time `json:"since"`
	ExpiresAt     time.Time `json:"expires_at"`
}
