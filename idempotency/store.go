package idempotency

import (
	"context"
	"time"
)

// AcquireRequest describes a conditional takeover of an existing key.
type AcquireRequest struct {
	Key         string
	Fingerprint string
	Now         time.Time
	ExpiresAt   time.Time
	// StaleBefore marks in-progress records not updated since then as abandoned.
	StaleBefore time.Time
}

// Store persists idempotency records. Key is unique.
type Store interface {
	// Insert stores rec. It returns ErrKeyExists when the key is already stored.
	Insert(ctx context.Context, rec Record) error
	// Get returns the record for key or ErrNotFound.
	Get(ctx context.Context, key string) (Record, error)
	// Complete moves an in-progress record to completed and stores response.
	// It returns ErrNotInProgress otherwise.
	Complete(ctx context.Context, key string, response []byte, at time.Time) error
	// Fail moves an in-progress record to failed. It returns ErrNotInProgress otherwise.
	Fail(ctx context.Context, key, lastErr string, at time.Time) error
	// Acquire resets the record to in progress with the given fingerprint when it is
	// failed, expired at Now, or in progress and last updated at or before StaleBefore.
	// It reports whether the takeover happened.
	Acquire(ctx context.Context, req AcquireRequest) (bool, error)
}

// Purger removes expired records.
type Purger interface {
	// PurgeExpired deletes records that expired before now.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}
