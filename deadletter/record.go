package deadletter

import (
	"time"

	"github.com/google/uuid"
)

// SourceType identifies the component a dead letter came from.
type SourceType string

const (
	// SourceOutbox marks dead letters produced by the outbox relay.
	SourceOutbox SourceType = "outbox"
	// SourceSaga marks dead letters produced by the saga orchestrator.
	SourceSaga SourceType = "saga"
	// SourceInbox marks deliveries an inbox consumer gave up on.
	SourceInbox SourceType = "inbox"
)

// Valid reports whether s is a known source type.
func (s SourceType) Valid() bool {
	switch s {
	case SourceOutbox, SourceSaga, SourceInbox:
		return true
	default:
		return false
	}
}

// Status is the lifecycle state of a dead letter.
type Status int16

const (
	// StatusPending means the dead letter awaits operator attention.
	StatusPending Status = 0
	// StatusReplayed means an operator re-injected the source.
	StatusReplayed Status = 1
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusReplayed:
		return "replayed"
	default:
		return "unknown"
	}
}

// Record is a captured terminal failure.
type Record struct {
	ID         uuid.UUID
	SourceType SourceType
	SourceID   string
	Payload    []byte
	LastError  string
	Attempts   int
	MovedAt    time.Time
	Status     Status
	ReplayedAt time.Time
}

// Filter narrows ListPending results.
type Filter struct {
	// Source limits results to one source type. Empty means all.
	Source SourceType
	// Since excludes records moved before this time. Zero means no lower bound.
	Since time.Time
	// Limit caps the number of results. Zero uses the default.
	Limit int
}

// ReplayOptions controls how a source is re-injected.
type ReplayOptions struct {
	// ResetAttempts restarts the retry budget from zero instead of preserving it.
	ResetAttempts bool
}
