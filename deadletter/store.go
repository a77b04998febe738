package deadletter

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists dead letters.
type Store interface {
	// Capture inserts rec unless a pending record for the same source exists,
	// in which case the existing record is returned unchanged.
	Capture(ctx context.Context, rec Record) (Record, error)
	// List returns pending records matching filter ordered by MovedAt.
	List(ctx context.Context, filter Filter) ([]Record, error)
	// Get returns a record by id or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (Record, error)
	// MarkReplayed transitions a pending record to replayed.
	// It returns ErrAlreadyReplayed when the record is not pending.
	MarkReplayed(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Capturer is the narrow contract used by the relay and the orchestrator.
type Capturer interface {
	// Capture stores a terminal failure.
	Capture(ctx context.Context, source SourceType, sourceID string, payload []byte, lastErr error, attempts int) (Record, error)
}

// Replayer re-injects a source into its originating pending state.
type Replayer interface {
	// Replay re-injects sourceID. It returns ErrSourceNotFailed when the source
	// is no longer in a failed state.
	Replay(ctx context.Context, sourceID string, opts ReplayOptions) error
}

// PayloadReplayer is a Replayer for sources that exist only as the captured payload.
// Handler.Replay prefers ReplayPayload when a replayer implements it.
type PayloadReplayer interface {
	Replayer
	ReplayPayload(ctx context.Context, sourceID string, payload []byte, opts ReplayOptions) error
}

// ReplayerFunc adapts a function to Replayer.
type ReplayerFunc func(ctx context.Context, sourceID string, opts ReplayOptions) error

// Replay implements Replayer.
func (fn ReplayerFunc) Replay(ctx context.Context, sourceID string, opts ReplayOptions) error {
	return fn(ctx, sourceID, opts)
}
