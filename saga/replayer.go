package saga

import (
	"context"

	"github.com/velmie/courier/deadletter"
)

// NewReplayer returns a deadletter.Replayer that reopens compensation of failed sagas.
func NewReplayer(orchestrator *Orchestrator) deadletter.Replayer {
	return deadletter.ReplayerFunc(func(ctx context.Context, sourceID string, opts deadletter.ReplayOptions) error {
		id, index, err := ParseSourceID(sourceID)
		if err != nil {
			return err
		}

		return orchestrator.Reopen(ctx, id, index, opts.ResetAttempts)
	})
}
