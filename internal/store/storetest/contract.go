// Package storetest holds the behavior every store.LockStore must share.
// Backends run it from their own tests.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RezaEskandarii/txlock/internal/state"
	"github.com/RezaEskandarii/txlock/internal/store"
	"github.com/RezaEskandarii/txlock/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store. Each subtest gets its own.
type Factory func(t *testing.T) store.LockStore

// RunLockStoreContract exercises s through every LockStore method.
func RunLockStoreContract(t *testing.T, newStore Factory) {
	t.Run("InsertAndFindActive", func(t *testing.T) { testInsertAndFind(t, newStore(t)) })
	t.Run("ExclusiveConflicts", func(t *testing.T) { testExclusiveConflicts(t, newStore(t)) })
	t.Run("SharedCoexist", func(t *testing.T) { testSharedCoexist(t, newStore(t)) })
	t.Run("SameTransactionUpgrade", func(t *testing.T) { testSameTransactionUpgrade(t, newStore(t)) })
	t.Run("ExpiredLockIsReplaced", func(t *testing.T) { testExpiredReplaced(t, newStore(t)) })
	t.Run("PhaseTransition", func(t *testing.T) { testPhase(t, newStore(t)) })
	t.Run("Release", func(t *testing.T) { testRelease(t, newStore(t)) })
	t.Run("ReleaseExpiredAndPurge", func(t *testing.T) { testReleaseExpiredAndPurge(t, newStore(t)) })
	t.Run("Waits", func(t *testing.T) { testWaits(t, newStore(t)) })
	t.Run("ConcurrentExclusiveInsert", func(t *testing.T) { testConcurrentInsert(t, newStore(t)) })
}

// NewLock builds an active growing lock acquired at now with ttl.
func NewLock(resourceID, resourceType string, lockType types.LockType, txID string, now time.Time, ttl time.Duration) *types.Lock {
	return &types.Lock{
		ID:            uuid.NewString(),
		ResourceID:    resourceID,
		ResourceType:  resourceType,
		LockType:      lockType,
		TransactionID: txID,
		UserID:        "user-" + txID,
		Phase:         state.PhaseGrowing,
		Status:        state.StatusActive,
		AcquiredAt:    now,
		ExpiresAt:     now.Add(ttl),
	}
}

// stores truncate to milliseconds at best
func now() time.Time { return time.Now().Truncate(time.Millisecond) }

func insert(t *testing.T, s store.LockStore, l *types.Lock) bool {
	t.Helper()
	ok, err := s.TryInsertIfAbsent(context.Background(), l)
	require.NoError(t, err)
	return ok
}

func testInsertAndFind(t *testing.T, s store.LockStore) {
	ctx := context.Background()
	ts := now()
	l := NewLock("1", "order", types.Exclusive, "tx-a", ts, time.Minute)
	require.True(t, insert(t, s, l))

	found, err := s.FindActive(ctx, "1", "order", ts)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, l.ID, found[0].ID)
	assert.Equal(t, types.Exclusive, found[0].LockType)
	assert.Equal(t, state.PhaseGrowing, found[0].Phase)
	assert.True(t, l.ExpiresAt.Equal(found[0].ExpiresAt))

	other, err := s.FindActive(ctx, "1", "customer", ts)
	require.NoError(t, err)
	assert.Empty(t, other, "resource type namespaces ids")

	byTx, err := s.FindByTransaction(ctx, "tx-a")
	require.NoError(t, err)
	assert.Len(t, byTx, 1)
}

func testExclusiveConflicts(t *testing.T, s store.LockStore) {
	ts := now()
	require.True(t, insert(t, s, NewLock("1", "order", types.Exclusive, "tx-a", ts, time.Minute)))
	assert.False(t, insert(t, s, NewLock("1", "order", types.Exclusive, "tx-b", ts, time.Minute)))
	assert.False(t, insert(t, s, NewLock("1", "order", types.Shared, "tx-b", ts, time.Minute)))

	require.True(t, insert(t, s, NewLock("2", "order", types.Shared, "tx-a", ts, time.Minute)))
	assert.False(t, insert(t, s, NewLock("2", "order", types.Exclusive, "tx-b", ts, time.Minute)))
}

func testSharedCoexist(t *testing.T, s store.LockStore) {
	ctx := context.Background()
	ts := now()
	for _, tx := range []string{"tx-a", "tx-b", "tx-c"} {
		require.True(t, insert(t, s, NewLock("1", "order", types.Shared, tx, ts, time.Minute)), tx)
	}
	found, err := s.FindActive(ctx, "1", "order", ts)
	require.NoError(t, err)
	assert.Len(t, found, 3)
}

func testSameTransactionUpgrade(t *testing.T, s store.LockStore) {
	ctx := context.Background()
	ts := now()
	require.True(t, insert(t, s, NewLock("1", "order", types.Shared, "tx-a", ts, time.Minute)))
	require.True(t, insert(t, s, NewLock("1", "order", types.Exclusive, "tx-a", ts, time.Minute)))

	found, err := s.FindActive(ctx, "1", "order", ts)
	require.NoError(t, err)
	assert.Len(t, found, 2)
	assert.False(t, insert(t, s, NewLock("1", "order", types.Shared, "tx-b", ts, time.Minute)))
}

func testExpiredReplaced(t *testing.T, s store.LockStore) {
	ctx := context.Background()
	ts := now()
	stale := NewLock("1", "order", types.Exclusive, "tx-a", ts.Add(-2*time.Second), time.Second)
	require.True(t, insert(t, s, stale))

	found, err := s.FindActive(ctx, "1", "order", ts)
	require.NoError(t, err)
	assert.Empty(t, found, "expired locks are not active")

	require.True(t, insert(t, s, NewLock("1", "order", types.Exclusive, "tx-b", ts, time.Minute)))
}

func testPhase(t *testing.T, s store.LockStore) {
	ctx := context.Background()
	ts := now()
	require.True(t, insert(t, s, NewLock("1", "order", types.Exclusive, "tx-a", ts, time.Minute)))
	require.True(t, insert(t, s, NewLock("2", "order", types.Shared, "tx-a", ts, time.Minute)))

	shrinking, err := s.HasShrinkingLock(ctx, "tx-a")
	require.NoError(t, err)
	assert.False(t, shrinking)

	n, err := s.UpdatePhase(ctx, "tx-a", state.PhaseGrowing, state.PhaseShrinking)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.UpdatePhase(ctx, "tx-a", state.PhaseGrowing, state.PhaseShrinking)
	require.NoError(t, err)
	assert.Zero(t, n)

	shrinking, err = s.HasShrinkingLock(ctx, "tx-a")
	require.NoError(t, err)
	assert.True(t, shrinking)

	_, err = s.ReleaseByTransaction(ctx, "tx-a", ts)
	require.NoError(t, err)
	shrinking, err = s.HasShrinkingLock(ctx, "tx-a")
	require.NoError(t, err)
	assert.True(t, shrinking, "released locks still record the phase")
}

func testRelease(t *testing.T, s store.LockStore) {
	ctx := context.Background()
	ts := now()
	a := NewLock("1", "order", types.Exclusive, "tx-a", ts, time.Minute)
	b := NewLock("2", "order", types.Exclusive, "tx-a", ts, time.Minute)
	c := NewLock("3", "order", types.Exclusive, "tx-b", ts, time.Minute)
	for _, l := range []*types.Lock{a, b, c} {
		require.True(t, insert(t, s, l))
	}

	n, err := s.Release(ctx, "1", "order", "tx-a", ts)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.Release(ctx, "1", "order", "tx-a", ts)
	require.NoError(t, err)
	assert.Zero(t, n, "second release is a no-op")

	count, err := s.CountActiveByTransaction(ctx, "tx-a")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	n, err = s.ReleaseByTransaction(ctx, "tx-a", ts)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ok, err := s.ReleaseByID(ctx, c.ID, ts)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ReleaseByID(ctx, c.ID, ts)
	require.NoError(t, err)
	assert.False(t, ok)

	active, err := s.ListActive(ctx, ts)
	require.NoError(t, err)
	assert.Empty(t, active)

	require.True(t, insert(t, s, NewLock("1", "order", types.Exclusive, "tx-c", ts, time.Minute)),
		"a released exclusive lock no longer blocks")
}

func testReleaseExpiredAndPurge(t *testing.T, s store.LockStore) {
	ctx := context.Background()
	ts := now()
	require.True(t, insert(t, s, NewLock("1", "order", types.Exclusive, "tx-a", ts, 50*time.Millisecond)))
	require.True(t, insert(t, s, NewLock("2", "order", types.Exclusive, "tx-b", ts, time.Minute)))

	n, err := s.ReleaseExpired(ctx, ts.Add(time.Second))
	require.NoError(t, err)
	// backends with native TTL may already have dropped the first lock
	assert.LessOrEqual(t, n, int64(1))

	active, err := s.ListActive(ctx, ts)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "2", active[0].ResourceID)

	_, err = s.ReleaseByTransaction(ctx, "tx-b", ts)
	require.NoError(t, err)

	deleted, err := s.DeleteExpired(ctx, ts.Add(time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, deleted, int64(1))

	deleted, err = s.DeleteExpired(ctx, ts.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func testWaits(t *testing.T, s store.LockStore) {
	ctx := context.Background()
	ts := now()
	w := types.LockWait{
		TransactionID: "tx-a", ResourceID: "1", ResourceType: "order",
		LockType: types.Exclusive, UserID: "u", Since: ts, ExpiresAt: ts.Add(time.Minute),
	}
	require.NoError(t, s.RecordWait(ctx, w))

	refreshed := w
	refreshed.Since = ts.Add(time.Second)
	refreshed.ExpiresAt = ts.Add(2 * time.Minute)
	require.NoError(t, s.RecordWait(ctx, refreshed))

	waits, err := s.ListWaits(ctx, ts)
	require.NoError(t, err)
	require.Len(t, waits, 1)
	assert.True(t, waits[0].Since.Equal(ts), "refresh keeps the original start")
	assert.True(t, waits[0].ExpiresAt.Equal(refreshed.ExpiresAt))

	waits, err = s.ListWaits(ctx, ts.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, waits, "expired waits are hidden")

	require.NoError(t, s.ClearWait(ctx, "tx-a", "1", "order"))
	waits, err = s.ListWaits(ctx, ts)
	require.NoError(t, err)
	assert.Empty(t, waits)
}

func testConcurrentInsert(t *testing.T, s store.LockStore) {
	const workers = 16
	ts := now()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l := NewLock("hot", "order", types.Exclusive, uuid.NewString(), ts, time.Minute)
			ok, err := s.TryInsertIfAbsent(context.Background(), l)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}
