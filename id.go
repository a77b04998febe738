package courier

import "github.com/google/uuid"

// IDGenerator creates new identifiers.
type IDGenerator interface {
	// New returns a new identifier.
	New() (uuid.UUID, error)
}

// UUIDv7Generator produces time-ordered UUID v7 identifiers.
type UUIDv7Generator struct{}

// New creates a new UUID v7 identifier.
func (UUIDv7Generator) New() (uuid.UUID, error) {
	return uuid.NewV7()
}

// NewID returns a UUID v7 identifier, falling back to a random v4 when the
// v7 source fails.
func NewID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}

	return id
}
