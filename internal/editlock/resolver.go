package editlock

import (
	"context"
	"fmt"

	"github.com/RezaEskandarii/txlock/internal/store"
)

// UserResolver turns a user id into the name shown to other users.
type UserResolver interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

type idResolver struct{}

func (idResolver) DisplayName(_ context.Context, userID string) (string, error) {
	return userID, nil
}

// StoreResolver looks names up in the user directory. Unknown users and
// users without a display name are shown by id.
type StoreResolver struct {
	users store.UserStore
}

func NewStoreResolver(users store.UserStore) *StoreResolver {
	return &StoreResolver{users: users}
}

func (r *StoreResolver) DisplayName(ctx context.Context, userID string) (string, error) {
	u, err := r.users.FindByID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to look up user %s: %w", userID, err)
	}
	if u == nil || u.DisplayName == "" {
		return userID, nil
	}
	return u.DisplayName, nil
}
