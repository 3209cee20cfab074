package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/RezaEskandarii/txlock/internal/store"
	"github.com/RezaEskandarii/txlock/types"
)

type postgresUserStore struct {
	db *sql.DB
}

// NewPostgresUserStore creates a new UserStore with a DB connection
func NewPostgresUserStore(db *sql.DB) store.UserStore {
	return &postgresUserStore{db: db}
}

func (r *postgresUserStore) Upsert(ctx context.Context, user types.User) error {
	if user.ID == "" {
		return errors.New("user id is required")
	}
	query := `
		INSERT INTO txlock_schema.users (id, display_name, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET display_name = $2, updated_at = now()`
	if _, err := r.db.ExecContext(ctx, query, user.ID, user.DisplayName); err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

func (r *postgresUserStore) FindByID(ctx context.Context, id string) (*types.User, error) {
	query := `SELECT id, display_name FROM txlock_schema.users WHERE id = $1`
	user := &types.User{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(&user.ID, &user.DisplayName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // user not found
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return user, nil
}

func (r *postgresUserStore) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM txlock_schema.users WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return errors.New("no user found to delete")
	}
	return nil
}
