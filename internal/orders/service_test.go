package orders

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/RezaEskandarii/txlock/internal/editlock"
	"github.com/RezaEskandarii/txlock/internal/store"
	"github.com/RezaEskandarii/txlock/internal/test/mocks"
	"github.com/RezaEskandarii/txlock/internal/twophase"
	"github.com/RezaEskandarii/txlock/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc      *Service
	manager  *twophase.Manager
	sessions *editlock.Service
	locks    *mocks.MemoryLockStore
	orders   *mocks.MemoryOrderStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	locks := mocks.NewMemoryLockStore()
	manager := twophase.NewManager(locks,
		twophase.WithRetryInterval(5*time.Millisecond, 20*time.Millisecond),
		twophase.WithMaxWait(2*time.Second),
	)
	sessions := editlock.NewService(manager)
	orders := mocks.NewMemoryOrderStore()
	return &fixture{
		svc:      NewService(orders, manager, sessions, WithLockTimeout(5*time.Second)),
		manager:  manager,
		sessions: sessions,
		locks:    locks,
		orders:   orders,
	}
}

func (f *fixture) seed(t *testing.T, id string) {
	t.Helper()
	_, err := f.svc.CreateOrder(context.Background(), "seed", types.Order{ID: id, CustomerID: "c-1", TotalCents: 1000})
	require.NoError(t, err)
}

func ptr[T any](v T) *T { return &v }

func TestCreateOrder_LocksAndReleases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var seen []types.Lock
	f.locks.InsertHook = func(l *types.Lock) { seen = append(seen, *l) }

	order, err := f.svc.CreateOrder(ctx, "alice", types.Order{CustomerID: "c-1", DiscountID: "d-1", TotalCents: 500})
	require.NoError(t, err)
	assert.NotEmpty(t, order.ID)
	assert.Equal(t, defaultStatus, order.Status)
	assert.Equal(t, 1, order.Version)

	require.Len(t, seen, 3)
	assert.Equal(t, ResourceOrder.String(), seen[0].ResourceType)
	assert.Equal(t, types.Exclusive, seen[0].LockType)
	assert.Equal(t, ResourceCustomer.String(), seen[1].ResourceType)
	assert.Equal(t, types.Shared, seen[1].LockType)
	assert.Equal(t, ResourceDiscount.String(), seen[2].ResourceType)
	assert.Equal(t, types.Exclusive, seen[2].LockType)

	active, err := f.locks.ListActive(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestCreateOrder_RequiresCustomer(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateOrder(context.Background(), "alice", types.Order{})
	assert.ErrorIs(t, err, ErrInvalidOrder)
}

func TestGetOrder(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "123")

	order, err := f.svc.GetOrder(context.Background(), "alice", "123")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), order.TotalCents)

	_, err = f.svc.GetOrder(context.Background(), "alice", "missing")
	assert.ErrorIs(t, err, store.ErrOrderNotFound)
}

func TestGetOrder_SessionHolderReadsDirectly(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "789")
	ctx := context.Background()

	_, err := f.sessions.Acquire(ctx, "789", ResourceOrder.String(), "u", 10*time.Minute)
	require.NoError(t, err)

	var inserted []types.Lock
	f.locks.InsertHook = func(l *types.Lock) { inserted = append(inserted, *l) }

	start := time.Now()
	order, err := f.svc.GetOrder(ctx, "u", "789")
	require.NoError(t, err)
	assert.Equal(t, "789", order.ID)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Empty(t, inserted)

	readCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = f.svc.GetOrder(readCtx, "v", "789")
	assert.Error(t, err, "another user's read waits for the session")

	held, err := f.sessions.HeldBy(ctx, "789", ResourceOrder.String(), "u")
	require.NoError(t, err)
	assert.NotNil(t, held, "reading does not end the session")
}

func TestUpdateOrder_WithoutSessionUsesTransaction(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "123")
	ctx := context.Background()

	var during []types.Lock
	f.orders.UpdateHook = func(o *types.Order) {
		during, _ = f.locks.FindActive(ctx, o.ID, ResourceOrder.String(), time.Now())
	}

	order, err := f.svc.UpdateOrder(ctx, "bob", "123", types.OrderPatch{Status: ptr("shipped")})
	require.NoError(t, err)
	assert.Equal(t, "shipped", order.Status)
	assert.Equal(t, 2, order.Version)
	assert.Equal(t, "bob", order.UpdatedBy)

	require.Len(t, during, 1)
	assert.Equal(t, types.Exclusive, during[0].LockType)
	assert.False(t, during[0].IsEditSession())
}

func TestUpdateOrder_EditSessionBypass(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "456")
	ctx := context.Background()

	_, err := f.sessions.Acquire(ctx, "456", ResourceOrder.String(), "u", 10*time.Minute)
	require.NoError(t, err)

	before := map[string]bool{}
	for _, l := range f.locks.All() {
		before[l.ID] = true
	}
	var inserted []types.Lock
	f.locks.InsertHook = func(l *types.Lock) { inserted = append(inserted, *l) }

	order, err := f.svc.UpdateOrder(ctx, "u", "456", types.OrderPatch{Notes: ptr("gift wrap")})
	require.NoError(t, err)
	assert.Equal(t, "gift wrap", order.Notes)
	assert.Empty(t, inserted, "the session holder writes without a transaction lock")

	for _, l := range f.locks.All() {
		if l.ResourceID == "456" && !before[l.ID] {
			t.Errorf("update created lock %s for transaction %s", l.ID, l.TransactionID)
		}
	}

	status, err := f.sessions.Check(ctx, "456", ResourceOrder.String(), "u")
	require.NoError(t, err)
	assert.False(t, status.IsLocked, "the session ends with the update")
}

func TestUpdateOrder_OtherUserBlockedBySession(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "456")
	ctx := context.Background()

	_, err := f.sessions.Acquire(ctx, "456", ResourceOrder.String(), "u", 10*time.Minute)
	require.NoError(t, err)

	var (
		mu         sync.Mutex
		releasedAt time.Time
		updatedAt  time.Time
	)
	f.orders.UpdateHook = func(*types.Order) {
		mu.Lock()
		updatedAt = time.Now()
		mu.Unlock()
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.UpdateOrder(ctx, "v", "456", types.OrderPatch{Status: ptr("cancelled")})
		done <- err
	}()

	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	assert.True(t, updatedAt.IsZero(), "update ran while the session was held")
	releasedAt = time.Now()
	mu.Unlock()

	n, err := f.sessions.Release(ctx, "456", ResourceOrder.String(), "u")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked update never completed")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, updatedAt.After(releasedAt))

	order, err := f.orders.Get(ctx, "456")
	require.NoError(t, err)
	assert.Equal(t, "cancelled", order.Status)
	assert.Equal(t, "v", order.UpdatedBy)
}

func TestUpdateOrder_MissingOrderKeepsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.sessions.Acquire(ctx, "789", ResourceOrder.String(), "u", time.Minute)
	require.NoError(t, err)

	_, err = f.svc.UpdateOrder(ctx, "u", "789", types.OrderPatch{})
	assert.ErrorIs(t, err, store.ErrOrderNotFound)

	held, err := f.sessions.HeldBy(ctx, "789", ResourceOrder.String(), "u")
	require.NoError(t, err)
	assert.NotNil(t, held)
}

func TestUpdateOrder_ConcurrentWritersSerialize(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "123")
	ctx := context.Background()

	const writers = 5
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.UpdateOrder(ctx, "writer", "123", types.OrderPatch{TotalCents: ptr(int64(i))})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	order, err := f.orders.Get(ctx, "123")
	require.NoError(t, err)
	assert.Equal(t, 1+writers, order.Version)
}

func TestParseResourceType(t *testing.T) {
	for _, r := range AllResourceTypes {
		got, err := ParseResourceType(r.String())
		require.NoError(t, err)
		assert.Equal(t, r, got)
	}
	_, err := ParseResourceType("invoice")
	assert.Error(t, err)
}
