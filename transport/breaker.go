package transport

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/velmie/courier"
)

const (
	defaultBreakerFailures = 5
	defaultBreakerTimeout  = 30 * time.Second
)

// BreakerConfig controls the circuit breaker around a Publisher.
type BreakerConfig struct {
	// Name labels the breaker in logs.
	Name string
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold uint32
	// ResetTimeout is how long the breaker stays open before probing again.
	ResetTimeout time.Duration
	// Logger receives state changes.
	Logger courier.Logger
}

// BreakerPublisher stops calling an unhealthy broker for a while after repeated failures.
// Rejections while open are reported as transient errors so the relay reschedules the records.
type BreakerPublisher struct {
	next    Publisher
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerPublisher wraps next with a circuit breaker.
func NewBreakerPublisher(next Publisher, cfg BreakerConfig) *BreakerPublisher {
	if next == nil {
		panic("transport: nil Publisher")
	}
	if cfg.Name == "" {
		cfg.Name = "publisher"
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = defaultBreakerFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultBreakerTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = courier.NopLogger{}
	}

	threshold := cfg.FailureThreshold
	logger := cfg.Logger
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || courier.IsPermanent(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("publisher circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &BreakerPublisher{next: next, breaker: breaker}
}

// Publish implements Publisher.
func (p *BreakerPublisher) Publish(ctx context.Context, partitionKey string, payload []byte) error {
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.next.Publish(ctx, partitionKey, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return courier.Transient(err)
	}

	return err
}

// State reports the breaker state name.
func (p *BreakerPublisher) State() string {
	return p.breaker.State().String()
}
