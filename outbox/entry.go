package outbox

import "github.com/google/uuid"

// Entry describes a new outbox message to be persisted.
type Entry struct {
	// ID is optional, if zero, the store generator assigns a UUID v7.
	ID uuid.UUID
	// AggregateKey orders events of one aggregate (e.g., "order:42").
	AggregateKey string
	// EventType names the specific event (e.g., "order.created").
	EventType string
	// Payload is opaque to the relay.
	Payload []byte
	// Headers is optional metadata copied into the envelope.
	Headers map[string]string
}

// Validate checks required fields.
func (e Entry) Validate() error {
	if e.AggregateKey == "" {
		return ErrAggregateKeyRequired
	}
	if e.EventType == "" {
		return ErrEventTypeRequired
	}
	if len(e.Payload) == 0 {
		return ErrPayloadRequired
	}

	return nil
}
