package mocks

import (
	"context"
	"errors"
	"sync"

	"github.com/RezaEskandarii/txlock/internal/store"
	"github.com/RezaEskandarii/txlock/types"
)

// MemoryUserStore is an in-process store.UserStore for tests.
type MemoryUserStore struct {
	mu    sync.Mutex
	users map[string]types.User
}

var _ store.UserStore = (*MemoryUserStore)(nil)

func NewMemoryUserStore(users ...types.User) *MemoryUserStore {
	m := &MemoryUserStore{users: make(map[string]types.User)}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func (m *MemoryUserStore) Upsert(_ context.Context, user types.User) error {
	if user.ID == "" {
		return errors.New("user id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user
	return nil
}

func (m *MemoryUserStore) FindByID(_ context.Context, id string) (*types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (m *MemoryUserStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return errors.New("no user found to delete")
	}
	delete(m.users, id)
	return nil
}
