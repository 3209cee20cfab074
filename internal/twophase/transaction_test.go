package twophase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/RezaEskandarii/txlock/internal/state"
	"github.com/RezaEskandarii/txlock/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func orderResources(lockType types.LockType, ids ...string) []Resource {
	out := make([]Resource, 0, len(ids))
	for _, id := range ids {
		out = append(out, Resource{ResourceID: id, ResourceType: "order", LockType: lockType})
	}
	return out
}

func TestWithTransaction_Success(t *testing.T) {
	m, s := newTestManager()
	ctx := context.Background()

	var txID string
	got, err := WithTransaction(ctx, m, orderResources(types.Exclusive, "1", "2"), "alice", time.Minute,
		func(ctx context.Context) (string, error) {
			var ok bool
			txID, ok = TransactionIDFromContext(ctx)
			require.True(t, ok)

			held, err := s.FindByTransaction(ctx, txID)
			require.NoError(t, err)
			require.Len(t, held, 2)
			for _, l := range held {
				assert.Equal(t, state.PhaseShrinking, l.Phase, "operation runs after the shrink")
				assert.Equal(t, "alice", l.UserID)
			}
			return "done", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "done", got)

	count, err := m.ActiveLockCount(ctx, txID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestWithTransaction_FreshTransactionEachCall(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		_, err := WithTransaction(ctx, m, orderResources(types.Exclusive, "1"), "alice", time.Minute,
			func(ctx context.Context) (struct{}, error) {
				id, _ := TransactionIDFromContext(ctx)
				seen[id] = true
				return struct{}{}, nil
			})
		require.NoError(t, err)
	}
	assert.Len(t, seen, 3)
}

func TestWithTransaction_ReleaseCompleteness(t *testing.T) {
	errBoom := errors.New("boom")

	for _, failAt := range []int{0, 1, 2} {
		t.Run([]string{"first", "middle", "last"}[failAt], func(t *testing.T) {
			m, _ := newTestManager()
			ctx := context.Background()

			var txID string
			steps := 0
			_, err := WithTransaction(ctx, m, orderResources(types.Exclusive, "1", "2", "3"), "alice", time.Minute,
				func(ctx context.Context) (int, error) {
					txID, _ = TransactionIDFromContext(ctx)
					for i := 0; i < 3; i++ {
						if i == failAt {
							return 0, errBoom
						}
						steps++
					}
					return steps, nil
				})
			require.ErrorIs(t, err, errBoom)
			assert.Equal(t, failAt, steps)

			count, err := m.ActiveLockCount(ctx, txID)
			require.NoError(t, err)
			assert.Zero(t, count)

			for _, rid := range []string{"1", "2", "3"} {
				locked, err := m.IsResourceLocked(ctx, rid, "order")
				require.NoError(t, err)
				assert.Nil(t, locked)
			}
		})
	}
}

func TestWithTransaction_ReleasesOnPanic(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	var txID string
	assert.PanicsWithValue(t, "kaboom", func() {
		_, _ = WithTransaction(ctx, m, orderResources(types.Exclusive, "1"), "alice", time.Minute,
			func(ctx context.Context) (int, error) {
				txID, _ = TransactionIDFromContext(ctx)
				panic("kaboom")
			})
	})

	count, err := m.ActiveLockCount(ctx, txID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestWithTransaction_AcquisitionFailurePartWay(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	_, err := m.AcquireLock(ctx, request("2", types.Exclusive, "holder", time.Minute))
	require.NoError(t, err)

	called := false
	_, err = WithTransaction(ctx, m, orderResources(types.Exclusive, "1", "2", "3"), "alice", 50*time.Millisecond,
		func(ctx context.Context) (int, error) {
			called = true
			return 0, nil
		})
	require.ErrorIs(t, err, ErrAcquisitionTimeout)
	assert.False(t, called)

	locked, err := m.IsResourceLocked(ctx, "1", "order")
	require.NoError(t, err)
	assert.Nil(t, locked, "the lock taken before the failure is released")

	locked, err = m.IsResourceLocked(ctx, "3", "order")
	require.NoError(t, err)
	assert.Nil(t, locked, "resources after the failure are never locked")
}

func TestWithTransaction_InvalidUser(t *testing.T) {
	m, _ := newTestManager()

	_, err := WithTransaction(context.Background(), m, orderResources(types.Exclusive, "1"), "", time.Minute,
		func(ctx context.Context) (int, error) { return 1, nil })
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestWithAutoTransaction_LockModes(t *testing.T) {
	m, s := newTestManager()
	ctx := context.Background()

	_, err := WithAutoTransaction(ctx, m, OperationRead, "order", []string{"1", "2"}, "alice",
		func(ctx context.Context) (int, error) {
			txID, _ := TransactionIDFromContext(ctx)
			held, err := s.FindByTransaction(ctx, txID)
			require.NoError(t, err)
			require.Len(t, held, 2)
			for _, l := range held {
				assert.Equal(t, types.Shared, l.LockType)
			}

			// a second reader is admitted while the first still holds
			n, err := WithAutoTransaction(ctx, m, OperationRead, "order", []string{"1"}, "bob",
				func(ctx context.Context) (int, error) { return 7, nil })
			require.NoError(t, err)
			return n, nil
		})
	require.NoError(t, err)

	_, err = WithAutoTransaction(ctx, m, OperationWrite, "order", []string{"1"}, "alice",
		func(ctx context.Context) (int, error) {
			txID, _ := TransactionIDFromContext(ctx)
			held, err := s.FindByTransaction(ctx, txID)
			require.NoError(t, err)
			require.Len(t, held, 1)
			assert.Equal(t, types.Exclusive, held[0].LockType)
			return 0, nil
		})
	require.NoError(t, err)
}

func TestOperationType_LockType(t *testing.T) {
	assert.Equal(t, types.Shared, OperationRead.LockType())
	assert.Equal(t, types.Exclusive, OperationWrite.LockType())
	assert.Equal(t, types.Exclusive, OperationDelete.LockType())
	assert.Equal(t, types.Exclusive, OperationType("archive").LockType())
}
