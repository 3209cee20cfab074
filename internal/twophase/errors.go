package twophase

import (
	"errors"
	"fmt"
	"time"

	"github.com/RezaEskandarii/txlock/types"
)

var (
	// ErrProtocolViolation matches every *ProtocolViolationError.
	ErrProtocolViolation = errors.New("two-phase locking protocol violation")
	// ErrAcquisitionTimeout matches every *AcquisitionTimeoutError.
	ErrAcquisitionTimeout = errors.New("lock acquisition timed out")
	// ErrInvalidRequest is returned when an identifying parameter is empty.
	ErrInvalidRequest = errors.New("invalid lock request")
)

// ProtocolViolationError reports an acquisition attempted by a transaction
// that already entered its shrinking phase. It is a programming error and is
// never retried.
type ProtocolViolationError struct {
	TransactionID string
	ResourceID    string
	ResourceType  string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("transaction %s is in its shrinking phase and cannot lock %s %s",
		e.TransactionID, e.ResourceType, e.ResourceID)
}

func (e *ProtocolViolationError) Is(target error) bool {
	return target == ErrProtocolViolation
}

// AcquisitionTimeoutError reports that a lock could not be obtained before
// the caller's deadline. Callers may retry the whole operation later.
type AcquisitionTimeoutError struct {
	ResourceID    string
	ResourceType  string
	LockType      types.LockType
	TransactionID string
	// BlockingTransactionID is the holder seen on the last attempt, if any.
	BlockingTransactionID string
	Waited                time.Duration
}

func (e *AcquisitionTimeoutError) Error() string {
	msg := fmt.Sprintf("timed out after %s acquiring %s lock on %s %s for transaction %s",
		e.Waited.Round(time.Millisecond), e.LockType, e.ResourceType, e.ResourceID, e.TransactionID)
	if e.BlockingTransactionID != "" {
		msg += ", held by transaction " + e.BlockingTransactionID
	}
	return msg
}

func (e *AcquisitionTimeoutError) Is(target error) bool {
	return target == ErrAcquisitionTimeout
}
