package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/RezaEskandarii/txlock/internal/store"
	"github.com/RezaEskandarii/txlock/types"
)

// MemoryOrderStore is an in-process store.OrderStore for tests.
type MemoryOrderStore struct {
	mu     sync.Mutex
	orders map[string]types.Order

	// UpdateHook runs at the start of every Update, outside the store mutex.
	UpdateHook func(order *types.Order)
}

var _ store.OrderStore = (*MemoryOrderStore)(nil)

func NewMemoryOrderStore() *MemoryOrderStore {
	return &MemoryOrderStore{orders: make(map[string]types.Order)}
}

func (m *MemoryOrderStore) Create(_ context.Context, order *types.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.orders[order.ID]; exists {
		return fmt.Errorf("order %s already exists", order.ID)
	}
	now := time.Now()
	order.Version = 1
	order.CreatedAt = now
	order.UpdatedAt = now
	m.orders[order.ID] = *order
	return nil
}

func (m *MemoryOrderStore) Get(_ context.Context, id string) (*types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	return &o, nil
}

func (m *MemoryOrderStore) Update(_ context.Context, order *types.Order) error {
	if m.UpdateHook != nil {
		m.UpdateHook(order)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.orders[order.ID]
	if !ok {
		return store.ErrOrderNotFound
	}
	cur.Status = order.Status
	cur.Notes = order.Notes
	cur.TotalCents = order.TotalCents
	cur.UpdatedBy = order.UpdatedBy
	cur.Version++
	cur.UpdatedAt = time.Now()
	m.orders[order.ID] = cur

	order.Version = cur.Version
	order.UpdatedAt = cur.UpdatedAt
	return nil
}
