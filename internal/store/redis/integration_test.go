//go:build integration

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/RezaEskandarii/txlock/internal/state"
	"github.com/RezaEskandarii/txlock/internal/store"
	"github.com/RezaEskandarii/txlock/internal/store/storetest"
	"github.com/RezaEskandarii/txlock/internal/test/containers"
	"github.com/RezaEskandarii/txlock/types"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: containers.Redis(t)})
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisLockStore_Contract(t *testing.T) {
	client := newClient(t)
	storetest.RunLockStoreContract(t, func(t *testing.T) store.LockStore {
		return NewRedisLockStore(client).WithPrefix("test:" + uuid.NewString() + ":")
	})
}

func TestRedisLockStore_PassiveExpiry(t *testing.T) {
	s := NewRedisLockStore(newClient(t))
	ctx := context.Background()
	now := time.Now()

	l := storetest.NewLock("1", "order", types.Exclusive, "tx-a", now, 300*time.Millisecond)
	ok, err := s.TryInsertIfAbsent(ctx, l)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		n, err := s.client.Exists(ctx, s.lockKey(l.ID)).Result()
		return err == nil && n == 0
	}, 3*time.Second, 50*time.Millisecond, "lock hash expires on its own")

	active, err := s.FindActive(ctx, "1", "order", time.Now())
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestRedisLockStore_ShrinkingSurvivesExpiry(t *testing.T) {
	s := NewRedisLockStore(newClient(t)).WithPrefix("test:" + uuid.NewString() + ":")
	ctx := context.Background()

	l := storetest.NewLock("2", "order", types.Exclusive, "tx-b", time.Now(), 300*time.Millisecond)
	ok, err := s.TryInsertIfAbsent(ctx, l)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := s.UpdatePhase(ctx, "tx-b", state.PhaseGrowing, state.PhaseShrinking)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	require.Eventually(t, func() bool {
		n, err := s.client.Exists(ctx, s.lockKey(l.ID)).Result()
		return err == nil && n == 0
	}, 3*time.Second, 50*time.Millisecond)

	shrinking, err := s.HasShrinkingLock(ctx, "tx-b")
	require.NoError(t, err)
	assert.True(t, shrinking, "a shrunk transaction stays shrunk after its locks expire")

	ttl, err := s.client.PTTL(ctx, s.shrunkKey("tx-b")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Hour)

	shrinking, err = s.HasShrinkingLock(ctx, "tx-never")
	require.NoError(t, err)
	assert.False(t, shrinking)
}
