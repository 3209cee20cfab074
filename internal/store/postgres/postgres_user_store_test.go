package postgres

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/RezaEskandarii/txlock/internal/store"
	"github.com/RezaEskandarii/txlock/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPostgresUserStore(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	userStore := NewPostgresUserStore(db)
	require.NotNil(t, userStore)
	var _ store.UserStore = userStore
}

func TestPostgresUserStore_Upsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	userStore := NewPostgresUserStore(db)

	mock.ExpectExec("INSERT INTO txlock_schema.users").
		WithArgs("u-1", "Ada Lovelace").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = userStore.Upsert(context.Background(), types.User{ID: "u-1", DisplayName: "Ada Lovelace"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUserStore_Upsert_RequiresID(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	err = NewPostgresUserStore(db).Upsert(context.Background(), types.User{DisplayName: "nobody"})
	assert.Error(t, err)
}

func TestPostgresUserStore_FindByID_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	userStore := NewPostgresUserStore(db)

	mock.ExpectQuery("SELECT id, display_name FROM txlock_schema.users").
		WithArgs("nonexistent").
		WillReturnError(sql.ErrNoRows)

	user, err := userStore.FindByID(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.Nil(t, user)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUserStore_FindByID_Found(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	userStore := NewPostgresUserStore(db)

	mock.ExpectQuery("SELECT id, display_name FROM txlock_schema.users").
		WithArgs("u-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "display_name"}).AddRow("u-1", "Ada Lovelace"))

	user, err := userStore.FindByID(context.Background(), "u-1")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "Ada Lovelace", user.DisplayName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUserStore_Delete_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	userStore := NewPostgresUserStore(db)

	mock.ExpectExec("DELETE FROM txlock_schema.users").
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = userStore.Delete(context.Background(), "ghost")
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
