package saga

import (
	"time"

	"github.com/velmie/courier"
	"github.com/velmie/courier/deadletter"
	"github.com/velmie/courier/retry"
)

const defaultLease = 30 * time.Second

// Config defines orchestrator behavior.
type Config struct {
	Owner       string
	Lease       time.Duration
	StepTimeout time.Duration
	Clock       courier.Clock
	Scheduler   retry.Scheduler
	// Policies are keyed by step name.
	Policies    retry.Policies
	DeadLetters deadletter.Capturer
	IDs         courier.IDGenerator
	Logger      courier.Logger
	Metrics     Metrics
}

func (c Config) withDefaults() Config {
	if c.Owner == "" {
		c.Owner = "saga-" + courier.NewID().String()
	}
	if c.Lease <= 0 {
		c.Lease = defaultLease
	}
	// A step must finish, and its result be saved, before the lease lets another
	// driver in.
	if limit := stepTimeoutLimit(c.Lease); c.StepTimeout <= 0 || c.StepTimeout > limit {
		c.StepTimeout = limit
	}
	if c.Clock == nil {
		c.Clock = courier.SystemClock{}
	}
	if c.IDs == nil {
		c.IDs = courier.UUIDv7Generator{}
	}
	if c.Logger == nil {
		c.Logger = courier.NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}

	return c
}

func stepTimeoutLimit(lease time.Duration) time.Duration {
	return lease * 2 / 3
}

// Option configures an Orchestrator.
type Option func(*Config)

// WithOwner sets the lease owner name of this orchestrator.
func WithOwner(owner string) Option {
	return func(c *Config) { c.Owner = owner }
}

// WithLease sets how long an Advance call holds the instance.
// Steps are bounded to two thirds of it.
func WithLease(lease time.Duration) Option {
	return func(c *Config) { c.Lease = lease }
}

// WithStepTimeout bounds each Execute and Compensate call. Zero, and values above
// two thirds of the lease, are replaced by two thirds of the lease.
func WithStepTimeout(timeout time.Duration) Option {
	return func(c *Config) { c.StepTimeout = timeout }
}

// WithClock sets the orchestrator clock.
func WithClock(clock courier.Clock) Option {
	return func(c *Config) { c.Clock = clock }
}

// WithScheduler sets the retry scheduler.
func WithScheduler(scheduler retry.Scheduler) Option {
	return func(c *Config) { c.Scheduler = scheduler }
}

// WithPolicies sets retry policies keyed by step name.
func WithPolicies(policies retry.Policies) Option {
	return func(c *Config) { c.Policies = policies }
}

// WithDeadLetters sets where failed instances are captured.
func WithDeadLetters(capturer deadletter.Capturer) Option {
	return func(c *Config) { c.DeadLetters = capturer }
}

// WithGenerator sets the instance id generator.
func WithGenerator(gen courier.IDGenerator) Option {
	return func(c *Config) { c.IDs = gen }
}

// WithLogger sets the orchestrator logger.
func WithLogger(logger courier.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithMetrics sets the orchestrator metrics recorder.
func WithMetrics(metrics Metrics) Option {
	return func(c *Config) { c.Metrics = metrics }
}
