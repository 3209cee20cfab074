package editlock

import (
	"errors"
	"fmt"
	"time"
)

// ErrConflict matches every *ConflictError.
var ErrConflict = errors.New("resource is being edited by another user")

// ConflictError names the user currently editing a resource so the caller
// can show who holds it and since when.
type ConflictError struct {
	ResourceID   string
	ResourceType string
	HolderID     string
	HolderName   string
	LockedAt     time.Time
	ExpiresAt    time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s is being edited by %s since %s",
		e.ResourceType, e.ResourceID, e.HolderName, e.LockedAt.Format(time.RFC3339))
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}
