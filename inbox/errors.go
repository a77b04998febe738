package inbox

import (
	"errors"
	"fmt"

	"github.com/velmie/courier"
)

var (
	// ErrMessageIDRequired is returned when the message id is empty.
	ErrMessageIDRequired = errors.New("inbox: message id is required")
	// ErrConsumerRequired is returned when the consumer name is empty.
	ErrConsumerRequired = errors.New("inbox: consumer name is required")
	// ErrNotFound is returned when no record exists for the pair.
	ErrNotFound = fmt.Errorf("inbox: record %w", courier.ErrNotFound)
	// ErrNoHandler is returned by Router for unregistered message types.
	ErrNoHandler = errors.New("inbox: no handler registered for message type")
	// ErrDuplicateHandler is returned when registering a type twice.
	ErrDuplicateHandler = errors.New("inbox: handler already registered for message type")
	// ErrPayloadRequired is returned when replaying a dead letter without its payload.
	ErrPayloadRequired = errors.New("inbox: replay needs the dead letter payload")
)
