package twophase

import (
	"context"
	"fmt"
	"time"

	"github.com/RezaEskandarii/txlock/internal/constants"
	"github.com/RezaEskandarii/txlock/internal/logging"
	"github.com/RezaEskandarii/txlock/types"
)

// Resource is one entry of the lock set a transaction declares up front.
type Resource struct {
	ResourceID   string
	ResourceType string
	LockType     types.LockType
}

// OperationType selects the lock mode WithAutoTransaction takes.
type OperationType string

const (
	OperationRead   OperationType = "read"
	OperationWrite  OperationType = "write"
	OperationDelete OperationType = "delete"
)

// LockType maps reads to shared locks and everything else to exclusive.
func (o OperationType) LockType() types.LockType {
	if o == OperationRead {
		return types.Shared
	}
	return types.Exclusive
}

type txKey struct{}

// TransactionIDFromContext returns the id of the transaction running the
// current WithTransaction operation.
func TransactionIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(txKey{}).(string)
	return id, ok
}

// WithTransaction runs op as a fresh two-phase locking transaction. Every
// resource is locked in the given order, the transaction moves to its
// shrinking phase, then op runs. Whatever op returns is returned. All locks
// of the transaction are released on every path, including acquisition
// failures part way through the list and panics inside op.
func WithTransaction[T any](
	ctx context.Context,
	m *Manager,
	resources []Resource,
	userID string,
	timeout time.Duration,
	op func(ctx context.Context) (T, error),
) (result T, err error) {
	txID := m.newID()
	ctx = context.WithValue(ctx, txKey{}, txID)
	ctx = logging.With(ctx, "txn_id", txID)

	defer func() {
		p := recover()

		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), constants.DefaultReleaseTimeout)
		defer cancel()
		if _, relErr := m.ReleaseAllLocks(releaseCtx, txID); relErr != nil {
			// locks left behind still expire on their own
			m.logger.ErrorContext(ctx, "failed to release transaction locks", "error", relErr)
		}

		if p != nil {
			m.metrics.recordTransaction(fmt.Errorf("panic: %v", p))
			panic(p)
		}
		m.metrics.recordTransaction(err)
	}()

	for _, r := range resources {
		_, err = m.AcquireLock(ctx, AcquireRequest{
			ResourceID:    r.ResourceID,
			ResourceType:  r.ResourceType,
			LockType:      r.LockType,
			TransactionID: txID,
			UserID:        userID,
			Timeout:       timeout,
		})
		if err != nil {
			return result, err
		}
	}

	if _, err = m.TransitionToShrinkingPhase(ctx, txID); err != nil {
		return result, err
	}

	return op(ctx)
}

// WithAutoTransaction locks resourceIDs of one resource type in the mode
// implied by opType and runs op under WithTransaction with the manager's
// default timeout.
func WithAutoTransaction[T any](
	ctx context.Context,
	m *Manager,
	opType OperationType,
	resourceType string,
	resourceIDs []string,
	userID string,
	op func(ctx context.Context) (T, error),
) (T, error) {
	lockType := opType.LockType()
	resources := make([]Resource, 0, len(resourceIDs))
	for _, id := range resourceIDs {
		resources = append(resources, Resource{ResourceID: id, ResourceType: resourceType, LockType: lockType})
	}
	return WithTransaction(ctx, m, resources, userID, 0, op)
}
