package store

import (
	"context"
	"errors"

	"github.com/RezaEskandarii/txlock/types"
)

var ErrOrderNotFound = errors.New("order not found")

// OrderStore persists orders. It performs single-record writes only; callers
// serialize concurrent updates with locks.
type OrderStore interface {
	Create(ctx context.Context, order *types.Order) error

	// Get returns ErrOrderNotFound when no order has the id.
	Get(ctx context.Context, id string) (*types.Order, error)

	// Update overwrites the mutable fields and bumps Version.
	Update(ctx context.Context, order *types.Order) error
}
