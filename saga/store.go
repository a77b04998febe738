package saga

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// LockRequest acquires the instance lease.
// Owner is a token unique to one Advance or Reopen call.
type LockRequest struct {
	ID    uuid.UUID
	Owner string
	Now   time.Time
	Until time.Time
}

// Store persists instances and their steps.
type Store interface {
	// Create inserts a new instance with its steps.
	Create(ctx context.Context, inst Instance, steps []StepRecord) error
	// Get returns an instance with its steps ordered by index, or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (Instance, []StepRecord, error)
	// Lock sets LockedBy/LockedUntil when the lease is free or expired at Now and
	// returns the locked instance. A live lease is never re-entered, even by the same
	// Owner. It returns ErrLocked otherwise.
	Lock(ctx context.Context, req LockRequest) (Instance, []StepRecord, error)
	// Save writes inst and steps atomically when the stored instance is locked by owner
	// and its Version equals inst.Version. The stored Version becomes inst.Version+1.
	// It returns ErrLeaseLost otherwise.
	Save(ctx context.Context, owner string, inst Instance, steps []StepRecord) error
	// ListDue returns ids of non-terminal instances due at now whose lease is free.
	ListDue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}
