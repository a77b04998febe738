package outbox

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/velmie/courier"
	"github.com/velmie/courier/deadletter"
)

// Replayer re-injects dead-lettered outbox records.
type Replayer struct {
	store Store
	clock courier.Clock
}

var _ deadletter.Replayer = (*Replayer)(nil)

// NewReplayer constructs a Replayer for store.
func NewReplayer(store Store, clock courier.Clock) *Replayer {
	if clock == nil {
		clock = courier.SystemClock{}
	}

	return &Replayer{store: store, clock: clock}
}

// Replay returns the failed record to pending so the relay publishes it again.
func (r *Replayer) Replay(ctx context.Context, sourceID string, opts deadletter.ReplayOptions) error {
	id, err := uuid.Parse(sourceID)
	if err != nil {
		return fmt.Errorf("outbox: invalid record id %q: %w", sourceID, err)
	}

	return r.store.Requeue(ctx, id, opts.ResetAttempts, r.clock.Now())
}
