package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/RezaEskandarii/txlock/internal/store"
	"github.com/RezaEskandarii/txlock/types"
)

type PostgresOrderStore struct {
	db *sql.DB
}

var _ store.OrderStore = (*PostgresOrderStore)(nil)

func NewPostgresOrderStore(db *sql.DB) *PostgresOrderStore {
	return &PostgresOrderStore{db: db}
}

func (s *PostgresOrderStore) Create(ctx context.Context, order *types.Order) error {
	query := `
		INSERT INTO txlock_schema.orders
			(id, customer_id, discount_id, status, notes, total_cents, version, updated_by, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, 1, $7, now(), now())
		RETURNING version, created_at, updated_at`

	err := s.db.QueryRowContext(ctx, query,
		order.ID, order.CustomerID, order.DiscountID, order.Status, order.Notes, order.TotalCents, order.UpdatedBy,
	).Scan(&order.Version, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

func (s *PostgresOrderStore) Get(ctx context.Context, id string) (*types.Order, error) {
	query := `
		SELECT id, customer_id, COALESCE(discount_id, ''), status, notes, total_cents, version, updated_by, created_at, updated_at
		FROM txlock_schema.orders WHERE id = $1`

	o := &types.Order{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&o.ID, &o.CustomerID, &o.DiscountID, &o.Status, &o.Notes, &o.TotalCents,
		&o.Version, &o.UpdatedBy, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

func (s *PostgresOrderStore) Update(ctx context.Context, order *types.Order) error {
	query := `
		UPDATE txlock_schema.orders
		SET status = $2, notes = $3, total_cents = $4, updated_by = $5,
		    version = version + 1, updated_at = now()
		WHERE id = $1
		RETURNING version, updated_at`

	err := s.db.QueryRowContext(ctx, query,
		order.ID, order.Status, order.Notes, order.TotalCents, order.UpdatedBy,
	).Scan(&order.Version, &order.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrOrderNotFound
		}
		return fmt.Errorf("failed to update order: %w", err)
	}
	return nil
}
