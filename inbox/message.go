package inbox

import (
	"context"
	"time"

	"github.com/velmie/courier/transport"
)

// Message is a decoded delivery handed to handlers.
type Message struct {
	// ID is the envelope id. It is stable across republishes and is the dedup key.
	ID           string
	Type         string
	PartitionKey string
	Payload      []byte
	Attempt      int
	CreatedAt    time.Time
	Headers      map[string]string
	// DeliveryID is the transport-assigned id of this particular delivery.
	DeliveryID string
}

// MessageFromEnvelope builds a Message from a decoded envelope.
func MessageFromEnvelope(env transport.Envelope, deliveryID string) Message {
	return Message{
		ID:           env.ID.String(),
		Type:         env.Type,
		PartitionKey: env.PartitionKey,
		Payload:      env.Payload,
		Attempt:      env.Attempt,
		CreatedAt:    env.CreatedAt,
		Headers:      env.Headers,
		DeliveryID:   deliveryID,
	}
}

// Handler applies the business effect of a message.
// The returned fingerprint is stored with the inbox record and may be nil.
type Handler interface {
	Handle(ctx context.Context, msg Message) ([]byte, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg Message) ([]byte, error)

// Handle implements Handler.
func (fn HandlerFunc) Handle(ctx context.Context, msg Message) ([]byte, error) {
	return fn(ctx, msg)
}
