package outbox

import (
	"time"

	"github.com/google/uuid"

	"github.com/velmie/courier/transport"
)

// Record is a stored outbox message.
type Record struct {
	ID               uuid.UUID
	AggregateKey     string
	EventType        string
	Payload          []byte
	Headers          map[string]string
	CreatedAt        time.Time
	Status           Status
	Attempt          int
	ClaimedBy        string
	ClaimLeaseExpiry time.Time
	NextAttemptAt    time.Time
	LastError        string
	SentAt           time.Time
}

// Envelope returns the wire representation published for the record.
// Attempt in the envelope is 1-based: the first publish carries 1.
func (r Record) Envelope() transport.Envelope {
	return transport.Envelope{
		ID:           r.ID,
		Type:         r.EventType,
		PartitionKey: r.AggregateKey,
		Payload:      r.Payload,
		Attempt:      r.Attempt + 1,
		CreatedAt:    r.CreatedAt,
		Headers:      r.Headers,
	}
}

// NewRecord builds the pending record stored for entry.
func NewRecord(entry Entry, id uuid.UUID, now time.Time) Record {
	return Record{
		ID:            id,
		AggregateKey:  entry.AggregateKey,
		EventType:     entry.EventType,
		Payload:       entry.Payload,
		Headers:       entry.Headers,
		CreatedAt:     now,
		Status:        StatusPending,
		NextAttemptAt: now,
	}
}
