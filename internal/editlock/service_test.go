package editlock

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/RezaEskandarii/txlock/internal/test/mocks"
	"github.com/RezaEskandarii/txlock/internal/twophase"
	"github.com/RezaEskandarii/txlock/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(opts ...Option) (*Service, *twophase.Manager, *mocks.MemoryLockStore) {
	s := mocks.NewMemoryLockStore()
	m := twophase.NewManager(s,
		twophase.WithRetryInterval(5*time.Millisecond, 20*time.Millisecond),
		twophase.WithMaxWait(200*time.Millisecond),
	)
	return NewService(m, opts...), m, s
}

func TestAcquire_GrantsSession(t *testing.T) {
	svc, _, s := newTestService()
	ctx := context.Background()

	grant, err := svc.Acquire(ctx, "456", "order", "alice", 10*time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, grant.LockID)
	assert.True(t, strings.HasPrefix(grant.TransactionID, types.EditSessionPrefix))
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), grant.ExpiresAt, time.Second)

	all := s.All()
	require.Len(t, all, 1)
	assert.Equal(t, types.Exclusive, all[0].LockType)
	assert.True(t, all[0].IsEditSession())
}

func TestAcquire_DefaultTimeout(t *testing.T) {
	svc, _, _ := newTestService(WithTimeout(3 * time.Minute))

	grant, err := svc.Acquire(context.Background(), "456", "order", "alice", 0)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(3*time.Minute), grant.ExpiresAt, time.Second)
}

func TestAcquire_ConflictNamesHolder(t *testing.T) {
	users := mocks.NewMemoryUserStore(types.User{ID: "alice", DisplayName: "Alice Liddell"})
	svc, _, _ := newTestService(WithUserResolver(NewStoreResolver(users)))
	ctx := context.Background()

	grant, err := svc.Acquire(ctx, "456", "order", "alice", time.Minute)
	require.NoError(t, err)

	_, err = svc.Acquire(ctx, "456", "order", "bob", time.Minute)
	require.ErrorIs(t, err, ErrConflict)

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "alice", conflict.HolderID)
	assert.Equal(t, "Alice Liddell", conflict.HolderName)
	assert.WithinDuration(t, grant.ExpiresAt.Add(-time.Minute), conflict.LockedAt, time.Millisecond)
	assert.Contains(t, err.Error(), "Alice Liddell")
}

func TestAcquire_ReentrantEditReplacesSession(t *testing.T) {
	svc, _, s := newTestService()
	ctx := context.Background()

	first, err := svc.Acquire(ctx, "456", "order", "alice", time.Minute)
	require.NoError(t, err)
	second, err := svc.Acquire(ctx, "456", "order", "alice", time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, first.LockID, second.LockID)

	active, err := s.ListActive(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, second.LockID, active[0].ID)
}

func TestAcquire_WaitsForShortTransaction(t *testing.T) {
	svc, m, _ := newTestService()
	ctx := context.Background()

	_, err := m.AcquireLock(ctx, twophase.AcquireRequest{
		ResourceID: "456", ResourceType: "order", LockType: types.Exclusive,
		TransactionID: "tx-1", UserID: "bob", Timeout: time.Minute,
	})
	require.NoError(t, err)
	time.AfterFunc(30*time.Millisecond, func() { _, _ = m.ReleaseAllLocks(ctx, "tx-1") })

	grant, err := svc.Acquire(ctx, "456", "order", "alice", time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, grant.LockID)
}

func TestAcquire_TransactionOutlastsWait(t *testing.T) {
	svc, m, _ := newTestService()
	ctx := context.Background()

	_, err := m.AcquireLock(ctx, twophase.AcquireRequest{
		ResourceID: "456", ResourceType: "order", LockType: types.Shared,
		TransactionID: "tx-1", UserID: "bob", Timeout: time.Minute,
	})
	require.NoError(t, err)

	_, err = svc.Acquire(ctx, "456", "order", "alice", time.Minute)
	assert.ErrorIs(t, err, twophase.ErrAcquisitionTimeout)
	assert.NotErrorIs(t, err, ErrConflict)
}

func TestAcquire_ExpiredSessionDoesNotConflict(t *testing.T) {
	clock := time.Now()
	svc, _, _ := newTestService(WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	_, err := svc.Acquire(ctx, "456", "order", "alice", time.Minute)
	require.NoError(t, err)

	clock = clock.Add(2 * time.Minute)
	_, err = svc.Acquire(ctx, "456", "order", "bob", time.Minute)
	require.NoError(t, err)
}

func TestAcquire_Validation(t *testing.T) {
	svc, _, _ := newTestService()
	_, err := svc.Acquire(context.Background(), "456", "order", "", time.Minute)
	assert.ErrorIs(t, err, twophase.ErrInvalidRequest)
}

func TestRelease(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	_, err := svc.Acquire(ctx, "456", "order", "alice", time.Minute)
	require.NoError(t, err)

	n, err := svc.Release(ctx, "456", "order", "bob")
	require.NoError(t, err)
	assert.Zero(t, n, "other users cannot release alice's session")

	n, err = svc.Release(ctx, "456", "order", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = svc.Release(ctx, "456", "order", "alice")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = svc.Acquire(ctx, "456", "order", "bob", time.Minute)
	assert.NoError(t, err)
}

func TestCheck(t *testing.T) {
	users := mocks.NewMemoryUserStore(types.User{ID: "alice", DisplayName: "Alice"})
	svc, m, _ := newTestService(WithUserResolver(NewStoreResolver(users)))
	ctx := context.Background()

	status, err := svc.Check(ctx, "456", "order", "alice")
	require.NoError(t, err)
	assert.False(t, status.IsLocked)
	assert.Nil(t, status.Holder)

	// a plain transaction lock is not an edit session
	_, err = m.AcquireLock(ctx, twophase.AcquireRequest{
		ResourceID: "456", ResourceType: "order", LockType: types.Shared,
		TransactionID: "tx-1", UserID: "carol", Timeout: time.Minute,
	})
	require.NoError(t, err)
	status, err = svc.Check(ctx, "456", "order", "alice")
	require.NoError(t, err)
	assert.False(t, status.IsLocked)
	_, err = m.ReleaseAllLocks(ctx, "tx-1")
	require.NoError(t, err)

	grant, err := svc.Acquire(ctx, "456", "order", "alice", time.Minute)
	require.NoError(t, err)

	mine, err := svc.Check(ctx, "456", "order", "alice")
	require.NoError(t, err)
	assert.True(t, mine.IsLocked)
	assert.True(t, mine.IsLockedByMe)
	assert.Equal(t, "Alice", mine.Holder.DisplayName)
	require.NotNil(t, mine.ExpiresAt)
	assert.True(t, grant.ExpiresAt.Equal(*mine.ExpiresAt))

	theirs, err := svc.Check(ctx, "456", "order", "bob")
	require.NoError(t, err)
	assert.True(t, theirs.IsLocked)
	assert.False(t, theirs.IsLockedByMe)
	assert.Equal(t, "alice", theirs.Holder.UserID)
}

func TestHeldBy(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	held, err := svc.HeldBy(ctx, "456", "order", "alice")
	require.NoError(t, err)
	assert.Nil(t, held)

	grant, err := svc.Acquire(ctx, "456", "order", "alice", time.Minute)
	require.NoError(t, err)

	held, err = svc.HeldBy(ctx, "456", "order", "alice")
	require.NoError(t, err)
	require.NotNil(t, held)
	assert.Equal(t, grant.LockID, held.ID)

	held, err = svc.HeldBy(ctx, "456", "order", "bob")
	require.NoError(t, err)
	assert.Nil(t, held)
}

type failingResolver struct{}

func (failingResolver) DisplayName(context.Context, string) (string, error) {
	return "", errors.New("directory unavailable")
}

func TestConflict_ResolverFailureFallsBackToID(t *testing.T) {
	svc, _, _ := newTestService(WithUserResolver(failingResolver{}))
	ctx := context.Background()

	_, err := svc.Acquire(ctx, "456", "order", "alice", time.Minute)
	require.NoError(t, err)

	_, err = svc.Acquire(ctx, "456", "order", "bob", time.Minute)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "alice", conflict.HolderName)
}

func TestStoreResolver_UnknownUser(t *testing.T) {
	r := NewStoreResolver(mocks.NewMemoryUserStore())
	name, err := r.DisplayName(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, "ghost", name)
}
