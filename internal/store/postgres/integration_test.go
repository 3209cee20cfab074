//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"testing"

	"github.com/RezaEskandarii/txlock/internal/db"
	"github.com/RezaEskandarii/txlock/internal/lock"
	"github.com/RezaEskandarii/txlock/internal/logging"
	"github.com/RezaEskandarii/txlock/internal/store"
	"github.com/RezaEskandarii/txlock/internal/store/storetest"
	"github.com/RezaEskandarii/txlock/internal/test/containers"
	"github.com/RezaEskandarii/txlock/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func migratedDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(ctx, containers.Postgres(t))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, db.Migrate(ctx, conn, lock.NewPostgresDistributedLockManager(conn), logging.Discard()))
	return conn
}

func TestPostgresLockStore_Contract(t *testing.T) {
	conn := migratedDB(t)
	storetest.RunLockStoreContract(t, func(t *testing.T) store.LockStore {
		_, err := conn.Exec(`TRUNCATE txlock_schema.locks, txlock_schema.lock_waits`)
		require.NoError(t, err)
		return NewPostgresLockStore(conn)
	})
}

func TestPostgresOrderStore_RoundTrip(t *testing.T) {
	conn := migratedDB(t)
	orders := NewPostgresOrderStore(conn)
	ctx := context.Background()

	o := &types.Order{ID: "o-1", CustomerID: "c-1", Status: "pending", TotalCents: 100, UpdatedBy: "u-1"}
	require.NoError(t, orders.Create(ctx, o))

	o.Status = "paid"
	require.NoError(t, orders.Update(ctx, o))
	assert.Equal(t, 2, o.Version)

	got, err := orders.Get(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, "paid", got.Status)
	assert.Empty(t, got.DiscountID)
}

func TestPostgresDistributedLockManager_Exclusive(t *testing.T) {
	conn := migratedDB(t)
	ctx := context.Background()
	first := lock.NewPostgresDistributedLockManager(conn)
	second := lock.NewPostgresDistributedLockManager(conn)

	ok, err := first.TryAcquire(ctx, 99)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = second.TryAcquire(ctx, 99)
	require.NoError(t, err)
	assert.False(t, ok, "another session holds the advisory lock")

	require.NoError(t, first.Release(ctx, 99))
	ok, err = second.TryAcquire(ctx, 99)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, second.Release(ctx, 99))
}
