package outbox

import (
	"fmt"
	"os"
	"time"

	"github.com/velmie/courier"
	"github.com/velmie/courier/deadletter"
	"github.com/velmie/courier/retry"
)

const (
	defaultBatchSize        = 50
	defaultPollInterval     = 50 * time.Millisecond
	defaultWorkers          = 1
	defaultLease            = 30 * time.Second
	defaultWatchdogInterval = 10 * time.Second
	defaultPublishTimeout   = 10 * time.Second
	defaultShutdownTimeout  = 15 * time.Second
	defaultPendingCheck     = 0
)

// RelayConfig defines how the Relay claims and publishes records.
type RelayConfig struct {
	BatchSize         int
	PollInterval      time.Duration
	Workers           int
	WorkerID          string
	Lease             time.Duration
	WatchdogInterval  time.Duration
	PublishTimeout    time.Duration
	ShutdownTimeout   time.Duration
	Clock             courier.Clock
	Scheduler         retry.Scheduler
	Policies          retry.Policies
	DeadLetters       deadletter.Capturer
	ErrorHandler      FailureHandler
	Logger            courier.Logger
	Metrics           Metrics
	FailureClassifier FailureClassifier
	PendingInterval   time.Duration
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.WorkerID == "" {
		c.WorkerID = defaultWorkerID()
	}
	if c.Lease <= 0 {
		c.Lease = defaultLease
	}
	if c.WatchdogInterval == 0 {
		c.WatchdogInterval = defaultWatchdogInterval
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = defaultPublishTimeout
	}
	if c.PublishTimeout >= c.Lease {
		c.PublishTimeout = c.Lease / 2
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.Clock == nil {
		c.Clock = courier.SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = courier.NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}
	if c.FailureClassifier == nil {
		c.FailureClassifier = defaultFailureClassifier
	}
	if c.PendingInterval <= 0 {
		c.PendingInterval = defaultPendingCheck
	}

	return c
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "relay"
	}

	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), courier.NewID().String()[24:])
}

// RelayOption configures Relay behavior.
type RelayOption func(*RelayConfig)

// WithBatchSize sets the number of records claimed per batch.
func WithBatchSize(size int) RelayOption {
	return func(c *RelayConfig) {
		c.BatchSize = size
	}
}

// WithPollInterval sets the delay between empty polls.
func WithPollInterval(interval time.Duration) RelayOption {
	return func(c *RelayConfig) {
		c.PollInterval = interval
	}
}

// WithWorkers sets the number of concurrent claiming workers.
func WithWorkers(count int) RelayOption {
	return func(c *RelayConfig) {
		c.Workers = count
	}
}

// WithWorkerID sets the worker id prefix recorded as claimed_by.
// Worker n of the relay uses "<id>-<n>".
func WithWorkerID(id string) RelayOption {
	return func(c *RelayConfig) {
		c.WorkerID = id
	}
}

// WithLease sets how long a claim protects a record from other workers.
func WithLease(lease time.Duration) RelayOption {
	return func(c *RelayConfig) {
		c.Lease = lease
	}
}

// WithWatchdogInterval sets how often expired leases are reclaimed.
// A negative interval disables the watchdog loop in Run.
func WithWatchdogInterval(interval time.Duration) RelayOption {
	return func(c *RelayConfig) {
		c.WatchdogInterval = interval
	}
}

// WithPublishTimeout sets a per-record publish timeout. A record is only published
// while its claim outlives the timeout. A timeout not below the lease is replaced
// with half the lease.
func WithPublishTimeout(timeout time.Duration) RelayOption {
	return func(c *RelayConfig) {
		c.PublishTimeout = timeout
	}
}

// WithShutdownTimeout bounds how long in-flight publishes may continue after Run's
// context is canceled.
func WithShutdownTimeout(timeout time.Duration) RelayOption {
	return func(c *RelayConfig) {
		c.ShutdownTimeout = timeout
	}
}

// WithClock sets the Relay clock.
func WithClock(clock courier.Clock) RelayOption {
	return func(c *RelayConfig) {
		c.Clock = clock
	}
}

// WithScheduler sets the retry scheduler.
func WithScheduler(scheduler retry.Scheduler) RelayOption {
	return func(c *RelayConfig) {
		c.Scheduler = scheduler
	}
}

// WithPolicies sets retry policies keyed by event type.
func WithPolicies(policies retry.Policies) RelayOption {
	return func(c *RelayConfig) {
		c.Policies = policies
	}
}

// WithDeadLetters sets where exhausted records are captured.
func WithDeadLetters(capturer deadletter.Capturer) RelayOption {
	return func(c *RelayConfig) {
		c.DeadLetters = capturer
	}
}

// WithErrorHandler registers a callback for publish failures.
func WithErrorHandler(handler FailureHandler) RelayOption {
	return func(c *RelayConfig) {
		c.ErrorHandler = handler
	}
}

// WithLogger sets the relay logger.
func WithLogger(logger courier.Logger) RelayOption {
	return func(c *RelayConfig) {
		c.Logger = logger
	}
}

// WithMetrics sets the relay metrics recorder.
func WithMetrics(metrics Metrics) RelayOption {
	return func(c *RelayConfig) {
		c.Metrics = metrics
	}
}

// WithFailureClassifier sets the failure classifier for retry/dead-letter decisions.
func WithFailureClassifier(classifier FailureClassifier) RelayOption {
	return func(c *RelayConfig) {
		c.FailureClassifier = classifier
	}
}

// WithPendingInterval sets the minimum interval between pending count samples.
// Use a positive value to enable sampling or zero to keep it disabled.
// The default is disabled.
func WithPendingInterval(interval time.Duration) RelayOption {
	return func(c *RelayConfig) {
		c.PendingInterval = interval
	}
}
