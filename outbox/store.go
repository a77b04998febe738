package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ClaimRequest selects records for one worker.
type ClaimRequest struct {
	// WorkerID is recorded as claimed_by.
	WorkerID string
	// Limit bounds the batch size.
	Limit int
	// Now is compared with next_attempt_at.
	Now time.Time
	// LeaseUntil is stored as the claim lease expiry.
	LeaseUntil time.Time
}

// Store is the relay-facing contract of an outbox backend.
//
// Every transition after Claim is conditional on the record still being claimed by the
// same worker; otherwise ErrLeaseLost is returned and nothing changes.
type Store interface {
	// Claim atomically claims up to Limit pending records due at Now, ordered by creation.
	// Only the oldest unsent record of each aggregate key is eligible.
	Claim(ctx context.Context, req ClaimRequest) ([]Record, error)
	// MarkSent transitions a claimed record to sent.
	MarkSent(ctx context.Context, id uuid.UUID, workerID string, at time.Time) error
	// Reschedule returns a claimed record to pending with a new attempt count and due time.
	Reschedule(ctx context.Context, id uuid.UUID, workerID string, attempt int, nextAttemptAt time.Time, lastErr string) error
	// MarkFailed transitions a claimed record to failed.
	MarkFailed(ctx context.Context, id uuid.UUID, workerID string, attempt int, lastErr string) error
	// Release returns a claimed record to pending without counting an attempt.
	Release(ctx context.Context, id uuid.UUID, workerID string) error
	// ReclaimExpired returns claimed records whose lease expired before now to pending.
	ReclaimExpired(ctx context.Context, now time.Time) (int, error)
	// Requeue returns a failed record to pending. It returns ErrNotFailed for other states.
	Requeue(ctx context.Context, id uuid.UUID, resetAttempts bool, at time.Time) error
	// Get returns a record by id or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (Record, error)
}

// PendingCounter provides a total count of pending records.
type PendingCounter interface {
	// PendingCount returns the current number of pending records.
	PendingCount(ctx context.Context) (int, error)
}
