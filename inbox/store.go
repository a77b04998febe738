package inbox

import (
	"context"
	"time"
)

// ClaimRequest describes an insert-if-absent claim.
type ClaimRequest struct {
	MessageID  string
	Consumer   string
	Owner      string
	Now        time.Time
	LeaseUntil time.Time
}

// Store persists inbox records. The (message id, consumer) pair is unique.
type Store interface {
	// Claim inserts an unprocessed record held by Owner until LeaseUntil.
	// An existing unprocessed record whose lease expired before Now is taken over.
	// A processed record yields OutcomeDuplicate; an unexpired claim yields OutcomeInFlight.
	Claim(ctx context.Context, req ClaimRequest) (Outcome, error)
	// MarkProcessed records the pair as processed. Marking twice is not an error and keeps
	// the first ProcessedAt.
	MarkProcessed(ctx context.Context, messageID, consumer string, fingerprint []byte, at time.Time) error
	// Release deletes an unprocessed claim held by owner. Missing or foreign claims are ignored.
	Release(ctx context.Context, messageID, consumer, owner string) error
	// Get returns the record for the pair or ErrNotFound.
	Get(ctx context.Context, messageID, consumer string) (Record, error)
	// Prune deletes processed records older than before and returns how many were removed.
	Prune(ctx context.Context, before time.Time) (int, error)
}
