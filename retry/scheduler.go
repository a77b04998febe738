package retry

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/velmie/courier"
)

const maxShift = 62

// Decision is the outcome of NextAttempt.
type Decision struct {
	// Exhausted reports that the attempt ceiling was reached.
	Exhausted bool
	// RetryAt is the earliest time of the next attempt. Zero when Exhausted.
	RetryAt time.Time
	// Delay is the total delay including jitter. Zero when Exhausted.
	Delay time.Duration
}

// Scheduler computes retry decisions. The zero value is ready to use.
type Scheduler struct {
	clock  courier.Clock
	jitter func() float64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the time source used for RetryAt.
func WithClock(clock courier.Clock) Option {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

// WithJitterSource sets the source of uniform values in [0, 1).
func WithJitterSource(source func() float64) Option {
	return func(s *Scheduler) {
		s.jitter = source
	}
}

// NewScheduler constructs a Scheduler.
func NewScheduler(opts ...Option) Scheduler {
	var s Scheduler
	for _, opt := range opts {
		opt(&s)
	}

	return s
}

// NextAttempt decides when attempt should run under policy.
func (s Scheduler) NextAttempt(attempt int, policy Policy) Decision {
	policy = policy.WithDefaults()
	if attempt >= policy.MaxAttempts {
		return Decision{Exhausted: true}
	}

	delay := BaseDelay(attempt, policy)
	delay += s.jitterFor(delay, policy.JitterFraction)

	return Decision{
		RetryAt: s.now().Add(delay),
		Delay:   delay,
	}
}

// BaseDelay returns base*2^attempt capped at MaxDelay, without jitter.
func BaseDelay(attempt int, policy Policy) time.Duration {
	policy = policy.WithDefaults()
	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1) << attempt
	base := int64(policy.Base)
	if base > math.MaxInt64/multiplier {
		return policy.MaxDelay
	}

	delay := time.Duration(base * multiplier)
	if delay > policy.MaxDelay {
		return policy.MaxDelay
	}

	return delay
}

func (s Scheduler) jitterFor(delay time.Duration, fraction float64) time.Duration {
	if fraction <= 0 || delay <= 0 {
		return 0
	}
	source := s.jitter
	if source == nil {
		source = rand.Float64
	}

	return time.Duration(source() * fraction * float64(delay))
}

func (s Scheduler) now() time.Time {
	if s.clock == nil {
		return courier.SystemClock{}.Now()
	}

	return s.clock.Now()
}
