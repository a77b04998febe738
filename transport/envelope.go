package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidEnvelope is returned when decoding a malformed envelope.
	ErrInvalidEnvelope = errors.New("transport: invalid envelope")
)

// Envelope is the stable wire format of a published event.
// Field names are part of the wire contract and must not change.
type Envelope struct {
	// ID identifies the event. It is stable across republishes of the same outbox record.
	ID uuid.UUID `json:"id"`
	// Type names the event (e.g., "order.created").
	Type string `json:"type"`
	// PartitionKey is the ordering key (the outbox aggregate key).
	PartitionKey string `json:"partitionKey"`
	// Payload is opaque to the core. Its schema is versioned by the producer.
	Payload []byte `json:"payload"`
	// Attempt is the 1-based publish attempt that produced this delivery.
	Attempt int `json:"attempt"`
	// CreatedAt is when the event was staged.
	CreatedAt time.Time `json:"createdAt"`
	// Headers carries optional producer metadata.
	Headers map[string]string `json:"headers,omitempty"`
}

// Encode serializes an envelope.
func Encode(env Envelope) ([]byte, error) {
	if env.ID == uuid.Nil || env.Type == "" {
		return nil, ErrInvalidEnvelope
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("transport: encode envelope: %w", err)
	}

	return data, nil
}

// Decode parses an envelope produced by Encode.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	if env.ID == uuid.Nil || env.Type == "" {
		return Envelope{}, ErrInvalidEnvelope
	}

	return env, nil
}
