package store

import (
	"context"

	"github.com/RezaEskandarii/txlock/types"
)

// UserStore handles user directory lookups used to name lock holders.
type UserStore interface {
	// Upsert stores or renames a user.
	Upsert(ctx context.Context, user types.User) error

	// FindByID returns nil, nil when the user is unknown.
	FindByID(ctx context.Context, id string) (*types.User, error)

	// Delete removes a user by their ID.
	Delete(ctx context.Context, id string) error
}
