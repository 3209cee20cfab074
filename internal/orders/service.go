// Package orders is the business layer that uses the lock subsystem. Writes
// either run under the caller's edit session or as a short two-phase
// locking transaction.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/RezaEskandarii/txlock/internal/editlock"
	"github.com/RezaEskandarii/txlock/internal/logging"
	"github.com/RezaEskandarii/txlock/internal/store"
	"github.com/RezaEskandarii/txlock/internal/twophase"
	"github.com/RezaEskandarii/txlock/types"
	"github.com/google/uuid"
)

var ErrInvalidOrder = errors.New("invalid order")

const defaultStatus = "pending"

type Service struct {
	orders   store.OrderStore
	manager  *twophase.Manager
	sessions *editlock.Service
	logger   *slog.Logger
	timeout  time.Duration
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithLockTimeout sets the timeout of the locks taken by each transaction.
// Zero keeps the lock manager default.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.timeout = d
	}
}

func NewService(orders store.OrderStore, manager *twophase.Manager, sessions *editlock.Service, opts ...Option) *Service {
	s := &Service{
		orders:   orders,
		manager:  manager,
		sessions: sessions,
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOrder stores a new order. The order and its discount are locked
// exclusively and the customer shared, so concurrent orders of one customer
// can be created while a discount is used by one order at a time.
func (s *Service) CreateOrder(ctx context.Context, userID string, order types.Order) (*types.Order, error) {
	if order.CustomerID == "" {
		return nil, fmt.Errorf("%w: customer id is required", ErrInvalidOrder)
	}
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	if order.Status == "" {
		order.Status = defaultStatus
	}
	order.UpdatedBy = userID

	resources := []twophase.Resource{
		{ResourceID: order.ID, ResourceType: ResourceOrder.String(), LockType: types.Exclusive},
		{ResourceID: order.CustomerID, ResourceType: ResourceCustomer.String(), LockType: types.Shared},
	}
	if order.DiscountID != "" {
		resources = append(resources, twophase.Resource{
			ResourceID: order.DiscountID, ResourceType: ResourceDiscount.String(), LockType: types.Exclusive,
		})
	}

	return twophase.WithTransaction(ctx, s.manager, resources, userID, s.timeout,
		func(ctx context.Context) (*types.Order, error) {
			if err := s.orders.Create(ctx, &order); err != nil {
				return nil, fmt.Errorf("failed to create order %s: %w", order.ID, err)
			}
			s.logger.InfoContext(ctx, "order created", "order_id", order.ID, "customer_id", order.CustomerID)
			return &order, nil
		})
}

// GetOrder reads an order under a shared lock. The holder of an edit session
// on the order reads directly.
func (s *Service) GetOrder(ctx context.Context, userID, id string) (*types.Order, error) {
	session, err := s.sessions.HeldBy(ctx, id, ResourceOrder.String(), userID)
	if err != nil {
		return nil, err
	}
	if session != nil {
		return s.orders.Get(ctx, id)
	}

	return twophase.WithAutoTransaction(ctx, s.manager, twophase.OperationRead, ResourceOrder.String(), []string{id}, userID,
		func(ctx context.Context) (*types.Order, error) {
			return s.orders.Get(ctx, id)
		})
}

// UpdateOrder applies patch to an order. A user holding an edit session on
// the order writes directly and the session ends with the successful write;
// everyone else goes through a transaction holding an exclusive order lock,
// which waits for a session of another user to end.
func (s *Service) UpdateOrder(ctx context.Context, userID, id string, patch types.OrderPatch) (*types.Order, error) {
	session, err := s.sessions.HeldBy(ctx, id, ResourceOrder.String(), userID)
	if err != nil {
		return nil, err
	}

	if session != nil {
		s.logger.DebugContext(ctx, "updating order under edit session", "order_id", id, "lock_id", session.ID)
		order, err := s.apply(ctx, userID, id, patch)
		if err != nil {
			return nil, err
		}
		if _, err := s.sessions.Release(context.WithoutCancel(ctx), id, ResourceOrder.String(), userID); err != nil {
			s.logger.WarnContext(ctx, "failed to end edit session after update", "order_id", id, "error", err)
		}
		return order, nil
	}

	return twophase.WithAutoTransaction(ctx, s.manager, twophase.OperationWrite, ResourceOrder.String(), []string{id}, userID,
		func(ctx context.Context) (*types.Order, error) {
			return s.apply(ctx, userID, id, patch)
		})
}

func (s *Service) apply(ctx context.Context, userID, id string, patch types.OrderPatch) (*types.Order, error) {
	order, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	patch.Apply(order)
	order.UpdatedBy = userID
	if err := s.orders.Update(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to update order %s: %w", id, err)
	}
	s.logger.InfoContext(ctx, "order updated", "order_id", id, "version", order.Version, "user_id", userID)
	return order, nil
}
