package idempotency

import (
	"errors"
	"fmt"

	"github.com/velmie/courier"
)

var (
	// ErrKeyRequired is returned for an empty key.
	ErrKeyRequired = errors.New("idempotency: key is required")
	// ErrConflictingKey is returned when a key is reused for a different request.
	ErrConflictingKey = fmt.Errorf("idempotency: key reused with a different request: %w", courier.ErrConflict)
	// ErrKeyExists is returned by Store.Insert when the key is already stored.
	ErrKeyExists = errors.New("idempotency: key already exists")
	// ErrNotFound is returned when a key is not stored.
	ErrNotFound = fmt.Errorf("idempotency: key %w", courier.ErrNotFound)
	// ErrNotInProgress is returned when completing or failing a key that is not in progress.
	ErrNotInProgress = errors.New("idempotency: key is not in progress")
	// ErrContention is returned when Begin could not settle a key after repeated races.
	ErrContention = courier.Transient(errors.New("idempotency: key contention"))
)
