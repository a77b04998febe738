package transport

import "context"

// Publisher sends a payload to the broker.
type Publisher interface {
	// Publish sends payload using partitionKey as the ordering hint.
	// A nil error means the broker acknowledged the message.
	Publish(ctx context.Context, partitionKey string, payload []byte) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, partitionKey string, payload []byte) error

// Publish implements Publisher.
func (fn PublisherFunc) Publish(ctx context.Context, partitionKey string, payload []byte) error {
	return fn(ctx, partitionKey, payload)
}

// AckHandle identifies a delivery for Ack and Nack. Its content is transport specific.
type AckHandle any

// Delivery is a received message.
type Delivery struct {
	// MessageID is the transport-assigned identifier.
	MessageID string
	// Payload is the raw message body, normally an encoded Envelope.
	Payload []byte
	// Handle is passed back to Ack or Nack.
	Handle AckHandle
	// Deliveries counts how often the broker handed out this message, this delivery
	// included. Zero means the transport does not count.
	Deliveries int
}

// Receiver pulls deliveries from the broker.
type Receiver interface {
	// Receive blocks until a delivery is available or ctx is done.
	Receive(ctx context.Context) (Delivery, error)
	// Ack confirms successful handling.
	Ack(ctx context.Context, handle AckHandle) error
	// Nack asks the broker to redeliver later.
	Nack(ctx context.Context, handle AckHandle) error
}

// Transport is both a Publisher and a Receiver.
type Transport interface {
	Publisher
	Receiver
}
