package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/velmie/courier"
)

const defaultClaimLease = 5 * time.Minute

// Deduplicator gates handlers with insert-if-absent claims.
type Deduplicator struct {
	store  Store
	owner  string
	lease  time.Duration
	clock  courier.Clock
	logger courier.Logger
}

// Option configures a Deduplicator.
type Option func(*Deduplicator)

// WithOwner sets the claim owner recorded for this instance.
func WithOwner(owner string) Option {
	return func(d *Deduplicator) {
		d.owner = owner
	}
}

// WithClaimLease sets how long a claim blocks other instances.
// It should exceed the longest expected handler run.
func WithClaimLease(lease time.Duration) Option {
	return func(d *Deduplicator) {
		d.lease = lease
	}
}

// WithClock sets the deduplicator clock.
func WithClock(clock courier.Clock) Option {
	return func(d *Deduplicator) {
		d.clock = clock
	}
}

// WithLogger sets the deduplicator logger.
func WithLogger(logger courier.Logger) Option {
	return func(d *Deduplicator) {
		d.logger = logger
	}
}

// NewDeduplicator constructs a Deduplicator over store.
func NewDeduplicator(store Store, opts ...Option) *Deduplicator {
	if store == nil {
		panic("inbox: nil Store")
	}

	d := &Deduplicator{
		store:  store,
		lease:  defaultClaimLease,
		clock:  courier.SystemClock{},
		logger: courier.NopLogger{},
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.owner == "" {
		d.owner = courier.NewID().String()
	}
	if d.lease <= 0 {
		d.lease = defaultClaimLease
	}

	return d
}

// TryBeginProcessing claims messageID for consumer.
func (d *Deduplicator) TryBeginProcessing(ctx context.Context, messageID, consumer string) (Outcome, error) {
	if err := validate(messageID, consumer); err != nil {
		return 0, err
	}

	now := d.clock.Now()
	outcome, err := d.store.Claim(ctx, ClaimRequest{
		MessageID:  messageID,
		Consumer:   consumer,
		Owner:      d.owner,
		Now:        now,
		LeaseUntil: now.Add(d.lease),
	})
	if err != nil {
		return 0, fmt.Errorf("inbox: claim %s for %s: %w", messageID, consumer, err)
	}

	return outcome, nil
}

// MarkProcessed records that consumer finished messageID.
func (d *Deduplicator) MarkProcessed(ctx context.Context, messageID, consumer string, fingerprint []byte) error {
	if err := validate(messageID, consumer); err != nil {
		return err
	}
	if err := d.store.MarkProcessed(ctx, messageID, consumer, fingerprint, d.clock.Now()); err != nil {
		return fmt.Errorf("inbox: mark processed %s for %s: %w", messageID, consumer, err)
	}

	return nil
}

// Abandon drops this instance's claim so a redelivery can run the handler again.
func (d *Deduplicator) Abandon(ctx context.Context, messageID, consumer string) error {
	if err := validate(messageID, consumer); err != nil {
		return err
	}
	if err := d.store.Release(ctx, messageID, consumer, d.owner); err != nil {
		return fmt.Errorf("inbox: release %s for %s: %w", messageID, consumer, err)
	}

	return nil
}

// Process runs handler at most once per processed message.
// A handler error abandons the claim and is returned unchanged.
func (d *Deduplicator) Process(ctx context.Context, consumer string, msg Message, handler Handler) (Outcome, error) {
	outcome, err := d.TryBeginProcessing(ctx, msg.ID, consumer)
	if err != nil || outcome != OutcomeNew {
		return outcome, err
	}

	fingerprint, handleErr := handler.Handle(ctx, msg)
	if handleErr != nil {
		if err := d.Abandon(context.WithoutCancel(ctx), msg.ID, consumer); err != nil {
			d.logger.Warn("inbox abandon failed", "message_id", msg.ID, "consumer", consumer, "err", err)
		}

		return outcome, handleErr
	}

	if err := d.MarkProcessed(context.WithoutCancel(ctx), msg.ID, consumer, fingerprint); err != nil {
		return outcome, err
	}

	return outcome, nil
}

func validate(messageID, consumer string) error {
	var errs []error
	if messageID == "" {
		errs = append(errs, ErrMessageIDRequired)
	}
	if consumer == "" {
		errs = append(errs, ErrConsumerRequired)
	}

	return errors.Join(errs...)
}
