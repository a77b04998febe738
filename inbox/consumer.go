package inbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/velmie/courier"
	"github.com/velmie/courier/deadletter"
	"github.com/velmie/courier/retry"
	"github.com/velmie/courier/transport"
)

const (
	defaultConsumerWorkers = 1
	defaultReceiveBackoff  = 500 * time.Millisecond
)

// ConsumerConfig defines the receive loop.
type ConsumerConfig struct {
	Workers        int
	ReceiveBackoff time.Duration
	HandleTimeout  time.Duration
	Logger         courier.Logger
	// DeadLetters receives deliveries the consumer gives up on. Nil means they are
	// only logged.
	DeadLetters deadletter.Capturer
	// Policies cap deliveries per message type through MaxAttempts.
	Policies retry.Policies
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.Workers <= 0 {
		c.Workers = defaultConsumerWorkers
	}
	if c.ReceiveBackoff <= 0 {
		c.ReceiveBackoff = defaultReceiveBackoff
	}
	if c.Logger == nil {
		c.Logger = courier.NopLogger{}
	}

	return c
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*ConsumerConfig)

// WithWorkers sets the number of concurrent receive loops.
func WithWorkers(n int) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.Workers = n
	}
}

// WithReceiveBackoff sets the pause after a failed Receive.
func WithReceiveBackoff(d time.Duration) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.ReceiveBackoff = d
	}
}

// WithHandleTimeout bounds each handler invocation. Zero disables the bound.
func WithHandleTimeout(d time.Duration) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.HandleTimeout = d
	}
}

// WithConsumerLogger sets the consumer logger.
func WithConsumerLogger(logger courier.Logger) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.Logger = logger
	}
}

// WithDeadLetters sets where given-up deliveries are captured.
func WithDeadLetters(capturer deadletter.Capturer) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.DeadLetters = capturer
	}
}

// WithPolicies sets delivery ceilings keyed by message type.
func WithPolicies(policies retry.Policies) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.Policies = policies
	}
}

// SourceID is the dead letter source id of message id seen by consumer.
func SourceID(consumer, id string) string {
	return consumer + "/" + id
}

// Consumer receives deliveries, deduplicates them and routes them to a Handler.
//
// New messages that succeed and duplicates are acknowledged. Handler failures and
// in-flight claims are negatively acknowledged for redelivery. Undecodable deliveries,
// permanent handler failures and failures on the last allowed delivery are captured
// as dead letters and then acknowledged. When capture fails the delivery is
// negatively acknowledged instead.
type Consumer struct {
	name     string
	receiver transport.Receiver
	dedup    *Deduplicator
	handler  Handler
	cfg      ConsumerConfig
}

// NewConsumer constructs a Consumer named name.
func NewConsumer(
	name string,
	receiver transport.Receiver,
	dedup *Deduplicator,
	handler Handler,
	opts ...ConsumerOption,
) *Consumer {
	if receiver == nil {
		panic("inbox: nil Receiver")
	}
	if dedup == nil {
		panic("inbox: nil Deduplicator")
	}
	if handler == nil {
		panic("inbox: nil Handler")
	}

	var cfg ConsumerConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Consumer{
		name:     name,
		receiver: receiver,
		dedup:    dedup,
		handler:  handler,
		cfg:      cfg.withDefaults(),
	}
}

// Run receives until ctx is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.loop(ctx)
		}()
	}
	wg.Wait()

	return nil
}

func (c *Consumer) loop(ctx context.Context) {
	for {
		delivery, err := c.receiver.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.cfg.Logger.Error("inbox receive failed", "consumer", c.name, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.cfg.ReceiveBackoff):
			}

			continue
		}

		if err := c.HandleDelivery(ctx, delivery); err != nil && ctx.Err() == nil {
			c.cfg.Logger.Warn("inbox delivery not settled", "consumer", c.name,
				"delivery_id", delivery.MessageID, "err", err)
		}
	}
}

// HandleDelivery processes and settles a single delivery.
// The returned error reports a failed Ack or Nack.
func (c *Consumer) HandleDelivery(ctx context.Context, delivery transport.Delivery) error {
	settleCtx := context.WithoutCancel(ctx)

	env, err := transport.Decode(delivery.Payload)
	if err != nil {
		c.cfg.Logger.Error("inbox undecodable delivery", "consumer", c.name,
			"delivery_id", delivery.MessageID, "err", err)

		return c.giveUp(settleCtx, delivery, SourceID(c.name, delivery.MessageID), err)
	}
	msg := MessageFromEnvelope(env, delivery.MessageID)

	handleCtx := ctx
	if c.cfg.HandleTimeout > 0 {
		var cancel context.CancelFunc
		handleCtx, cancel = context.WithTimeout(ctx, c.cfg.HandleTimeout)
		defer cancel()
	}

	outcome, err := c.dedup.Process(handleCtx, c.name, msg, c.handler)
	switch {
	case err != nil && courier.IsPermanent(err):
		c.cfg.Logger.Error("inbox permanent handler failure", "consumer", c.name,
			"message_id", msg.ID, "type", msg.Type, "err", err)

		return c.giveUp(settleCtx, delivery, SourceID(c.name, msg.ID), err)
	case err != nil && ctx.Err() == nil && c.lastDelivery(msg, delivery):
		c.cfg.Logger.Error("inbox delivery ceiling reached", "consumer", c.name,
			"message_id", msg.ID, "type", msg.Type, "deliveries", delivery.Deliveries, "err", err)

		return c.giveUp(settleCtx, delivery, SourceID(c.name, msg.ID), err)
	case err != nil:
		c.cfg.Logger.Warn("inbox handler failed", "consumer", c.name,
			"message_id", msg.ID, "type", msg.Type, "attempt", msg.Attempt, "err", err)

		return c.receiver.Nack(settleCtx, delivery.Handle)
	case outcome == OutcomeInFlight:
		c.cfg.Logger.Debug("inbox message in flight elsewhere", "consumer", c.name, "message_id", msg.ID)

		return c.receiver.Nack(settleCtx, delivery.Handle)
	case outcome == OutcomeDuplicate:
		c.cfg.Logger.Debug("inbox duplicate skipped", "consumer", c.name, "message_id", msg.ID)

		return c.receiver.Ack(settleCtx, delivery.Handle)
	case outcome == OutcomeNew:
		return c.receiver.Ack(settleCtx, delivery.Handle)
	default:
		return fmt.Errorf("inbox: unexpected outcome %d", outcome)
	}
}

// lastDelivery reports whether delivery used up the ceiling of its message type.
// Transports that do not count deliveries are never capped.
func (c *Consumer) lastDelivery(msg Message, delivery transport.Delivery) bool {
	if delivery.Deliveries <= 0 {
		return false
	}

	return delivery.Deliveries >= c.cfg.Policies.For(msg.Type).MaxAttempts
}

func (c *Consumer) giveUp(ctx context.Context, delivery transport.Delivery, sourceID string, cause error) error {
	if c.cfg.DeadLetters != nil {
		_, err := c.cfg.DeadLetters.Capture(ctx, deadletter.SourceInbox, sourceID, delivery.Payload, cause, delivery.Deliveries)
		if err != nil {
			c.cfg.Logger.Error("inbox dead-letter capture failed", "consumer", c.name,
				"source_id", sourceID, "err", err)

			return errors.Join(err, c.receiver.Nack(ctx, delivery.Handle))
		}
	}

	return c.receiver.Ack(ctx, delivery.Handle)
}
