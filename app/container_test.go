package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/RezaEskandarii/txlock/internal/logging"
	"github.com/RezaEskandarii/txlock/internal/store/postgres"
	redisstore "github.com/RezaEskandarii/txlock/internal/store/redis"
	"github.com/RezaEskandarii/txlock/internal/test/mocks"
	"github.com/RezaEskandarii/txlock/types/config"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewContainer_Postgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	cfg, err := config.NewTxLockConfig("test-instance",
		config.WithPostgresConfig(config.PostgresConfig{ConnectionUrl: "postgres://unused"}),
	)
	require.NoError(t, err)

	c, err := NewContainer(context.Background(), cfg, WithDB(db), WithLogger(logging.Discard()))
	require.NoError(t, err)

	assert.IsType(t, &postgres.PostgresLockStore{}, c.LockStore)
	assert.NotNil(t, c.OrderStore)
	assert.NotNil(t, c.UserStore)
	assert.NotNil(t, c.Orders)
	assert.NotNil(t, c.Housekeeping)
	assert.Nil(t, c.MessageBroker)

	rec := httptest.NewRecorder()
	c.Web.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	mock.ExpectClose()
	require.NoError(t, c.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewContainer_RedisWithoutPostgres(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	cfg, err := config.NewTxLockConfig("test-instance",
		config.WithRedisConfig(config.RedisConfig{Address: "127.0.0.1:0"}),
	)
	require.NoError(t, err)

	c, err := NewContainer(context.Background(), cfg, WithRedis(client), WithLogger(logging.Discard()))
	require.NoError(t, err)
	defer c.Close()

	assert.IsType(t, &redisstore.RedisLockStore{}, c.LockStore)
	assert.Nil(t, c.DB)
	assert.Nil(t, c.Orders)
	require.NoError(t, c.Migrate(context.Background()))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/1", nil)
	req.Header.Set("X-User-ID", "alice")
	c.Web.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNewContainer_InjectedBroker(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	cfg, err := config.NewTxLockConfig("test-instance",
		config.WithPostgresConfig(config.PostgresConfig{ConnectionUrl: "postgres://unused"}),
		config.WithRabbitMQConfig(config.RabbitMQConfig{URL: "amqp://unused"}),
	)
	require.NoError(t, err)

	closeErr := errors.New("broker gone")
	broker := &mocks.MockMessageBroker{CloseFunc: func() error { return closeErr }}
	c, err := NewContainer(context.Background(), cfg, WithDB(db), WithMessageBroker(broker), WithLogger(logging.Discard()))
	require.NoError(t, err)
	assert.Same(t, broker, c.MessageBroker)

	mock.ExpectClose()
	assert.ErrorIs(t, c.Close(), closeErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewContainer_PostgresRequiresConnection(t *testing.T) {
	cfg := &config.TxLockConfig{Instance: "x", StorageDriver: config.Postgres}
	_, err := NewContainer(context.Background(), cfg, WithLogger(logging.Discard()))
	assert.ErrorContains(t, err, "requires a connection url")
}
