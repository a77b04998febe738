package inbox

import (
	"context"
	"fmt"

	"github.com/velmie/courier/deadletter"
	"github.com/velmie/courier/transport"
)

// Replayer republishes dead-lettered deliveries so consumers receive them again.
// Consumers that already processed the message skip it as a duplicate.
type Replayer struct {
	publisher transport.Publisher
}

var _ deadletter.PayloadReplayer = (*Replayer)(nil)

// NewReplayer constructs a Replayer publishing through publisher.
func NewReplayer(publisher transport.Publisher) *Replayer {
	if publisher == nil {
		panic("inbox: nil Publisher")
	}

	return &Replayer{publisher: publisher}
}

// Replay implements deadletter.Replayer. Inbox sources live only in the dead letter
// payload, so it always fails; deadletter.Handler calls ReplayPayload instead.
func (r *Replayer) Replay(_ context.Context, sourceID string, _ deadletter.ReplayOptions) error {
	return fmt.Errorf("%w: %s", ErrPayloadRequired, sourceID)
}

// ReplayPayload publishes the captured envelope under its original partition key.
// Undecodable payloads cannot be replayed.
func (r *Replayer) ReplayPayload(ctx context.Context, sourceID string, payload []byte, _ deadletter.ReplayOptions) error {
	env, err := transport.Decode(payload)
	if err != nil {
		return fmt.Errorf("inbox: replay %s: %w", sourceID, err)
	}
	if err := r.publisher.Publish(ctx, env.PartitionKey, payload); err != nil {
		return fmt.Errorf("inbox: replay %s: publish: %w", sourceID, err)
	}

	return nil
}
