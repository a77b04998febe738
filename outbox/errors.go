package outbox

import (
	"errors"
	"fmt"

	"github.com/velmie/courier"
	"github.com/velmie/courier/deadletter"
)

var (
	// ErrInvalidBatchSize indicates that the requested batch size is not positive.
	ErrInvalidBatchSize = errors.New("outbox batch size must be positive")
	// ErrAggregateKeyRequired is returned when Entry.AggregateKey is empty.
	ErrAggregateKeyRequired = errors.New("outbox aggregate key is required")
	// ErrEventTypeRequired is returned when Entry.EventType is empty.
	ErrEventTypeRequired = errors.New("outbox event type is required")
	// ErrPayloadRequired is returned when Entry.Payload is empty.
	ErrPayloadRequired = errors.New("outbox payload is required")
	// ErrLeaseLost is returned when a transition is attempted by a worker that no longer holds the claim.
	ErrLeaseLost = errors.New("outbox claim lease lost")
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = fmt.Errorf("outbox record %w", courier.ErrNotFound)
	// ErrNotFailed is returned when requeueing a record that is not failed.
	ErrNotFailed = fmt.Errorf("outbox record is not failed: %w", deadletter.ErrSourceNotFailed)
	// ErrWorkerPanic indicates a relay worker panic.
	ErrWorkerPanic = errors.New("outbox worker panic")
)
