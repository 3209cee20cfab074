//go:build integration

package lock

import (
	"context"
	"testing"
	"time"

	"github.com/RezaEskandarii/txlock/internal/test/containers"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisDistributedLockManager_Exclusive(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: containers.Redis(t)})
	defer client.Close()
	ctx := context.Background()

	first := NewRedisDistributedLockManager(client, time.Minute)
	second := NewRedisDistributedLockManager(client, time.Minute)

	ok, err := first.TryAcquire(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = second.TryAcquire(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	waitCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	assert.Error(t, second.Acquire(waitCtx, 1), "blocked until the context expires")

	require.NoError(t, first.Release(ctx, 1))
	require.NoError(t, second.Acquire(ctx, 1))
	assert.ErrorIs(t, first.Release(ctx, 1), ErrNotHeld)
	require.NoError(t, second.Release(ctx, 1))
}
