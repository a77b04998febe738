package deadletter

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/velmie/courier"
)

const defaultListLimit = 100

// Handler captures, lists and replays dead letters.
type Handler struct {
	store     Store
	replayers map[SourceType]Replayer
	clock     courier.Clock
	ids       courier.IDGenerator
	logger    courier.Logger
}

var _ Capturer = (*Handler)(nil)

// Option configures a Handler.
type Option func(*Handler)

// WithReplayer registers the Replayer for a source type.
func WithReplayer(source SourceType, replayer Replayer) Option {
	return func(h *Handler) {
		h.replayers[source] = replayer
	}
}

// WithClock sets the handler clock.
func WithClock(clock courier.Clock) Option {
	return func(h *Handler) {
		h.clock = clock
	}
}

// WithGenerator sets the id generator.
func WithGenerator(gen courier.IDGenerator) Option {
	return func(h *Handler) {
		h.ids = gen
	}
}

// WithLogger sets the handler logger.
func WithLogger(logger courier.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler constructs a Handler over store.
func NewHandler(store Store, opts ...Option) *Handler {
	if store == nil {
		panic("deadletter: nil Store")
	}

	h := &Handler{
		store:     store,
		replayers: make(map[SourceType]Replayer),
		clock:     courier.SystemClock{},
		ids:       courier.UUIDv7Generator{},
		logger:    courier.NopLogger{},
	}
	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Register adds or replaces the Replayer for a source type.
// Use it when the replayer depends on a component that needs the handler itself.
func (h *Handler) Register(source SourceType, replayer Replayer) {
	h.replayers[source] = replayer
}

// Capture stores a terminal failure for operator attention.
func (h *Handler) Capture(
	ctx context.Context,
	source SourceType,
	sourceID string,
	payload []byte,
	lastErr error,
	attempts int,
) (Record, error) {
	if !source.Valid() {
		return Record{}, fmt.Errorf("%w: %q", ErrInvalidSource, source)
	}
	if sourceID == "" {
		return Record{}, ErrSourceIDRequired
	}

	id, err := h.ids.New()
	if err != nil {
		return Record{}, fmt.Errorf("deadletter: generate id failed: %w", err)
	}

	rec, err := h.store.Capture(ctx, Record{
		ID:         id,
		SourceType: source,
		SourceID:   sourceID,
		Payload:    payload,
		LastError:  courier.TruncateError(lastErr),
		Attempts:   attempts,
		MovedAt:    h.clock.Now(),
		Status:     StatusPending,
	})
	if err != nil {
		return Record{}, err
	}

	h.logger.Warn("dead letter captured",
		"dead_letter_id", rec.ID.String(),
		"source", string(source),
		"source_id", sourceID,
		"attempts", attempts,
		"err", rec.LastError,
	)

	return rec, nil
}

// ListPending returns dead letters awaiting operator attention.
func (h *Handler) ListPending(ctx context.Context, filter Filter) ([]Record, error) {
	if filter.Source != "" && !filter.Source.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSource, filter.Source)
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}

	return h.store.List(ctx, filter)
}

// Get returns a single dead letter.
func (h *Handler) Get(ctx context.Context, id uuid.UUID) (Record, error) {
	return h.store.Get(ctx, id)
}

// Replay re-injects the source of dead letter id and marks it replayed.
func (h *Handler) Replay(ctx context.Context, id uuid.UUID, opts ReplayOptions) error {
	rec, err := h.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != StatusPending {
		return ErrAlreadyReplayed
	}

	replayer, ok := h.replayers[rec.SourceType]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoReplayer, rec.SourceType)
	}

	if err := replay(ctx, replayer, rec, opts); err != nil {
		if !errors.Is(err, ErrSourceNotFailed) {
			return fmt.Errorf("deadletter: replay %s %s failed: %w", rec.SourceType, rec.SourceID, err)
		}
		h.logger.Warn("dead letter source already left failed state",
			"dead_letter_id", id.String(),
			"source", string(rec.SourceType),
			"source_id", rec.SourceID,
		)
	}

	if err := h.store.MarkReplayed(ctx, id, h.clock.Now()); err != nil {
		return err
	}

	h.logger.Info("dead letter replayed",
		"dead_letter_id", id.String(),
		"source", string(rec.SourceType),
		"source_id", rec.SourceID,
		"reset_attempts", opts.ResetAttempts,
	)

	return nil
}

func replay(ctx context.Context, replayer Replayer, rec Record, opts ReplayOptions) error {
	if pr, ok := replayer.(PayloadReplayer); ok {
		return pr.ReplayPayload(ctx, rec.SourceID, rec.Payload, opts)
	}

	return replayer.Replay(ctx, rec.SourceID, opts)
}
