package retry

import "time"

const (
	defaultBase           = time.Second
	defaultMaxDelay       = 5 * time.Minute
	defaultMaxAttempts    = 5
	defaultJitterFraction = 0.2
)

// Policy describes how often and how many times an operation is retried.
type Policy struct {
	// Base is the delay unit multiplied by 2^attempt.
	Base time.Duration
	// MaxDelay caps the jitter-free delay.
	MaxDelay time.Duration
	// MaxAttempts is the attempt ceiling. NextAttempt reports Exhausted once attempt >= MaxAttempts.
	MaxAttempts int
	// JitterFraction is the upper bound of random extra delay relative to the computed delay.
	// Negative disables jitter. Zero uses the default of 0.2.
	JitterFraction float64
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{}.WithDefaults()
}

// WithDefaults fills unset fields.
func (p Policy) WithDefaults() Policy {
	if p.Base <= 0 {
		p.Base = defaultBase
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.MaxDelay < p.Base {
		p.MaxDelay = p.Base
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.JitterFraction == 0 {
		p.JitterFraction = defaultJitterFraction
	}

	return p
}

// Policies resolves a policy per event or step kind.
type Policies struct {
	Default Policy
	ByKind  map[string]Policy
}

// For returns the policy configured for kind, falling back to Default.
func (p Policies) For(kind string) Policy {
	if policy, ok := p.ByKind[kind]; ok {
		return policy.WithDefaults()
	}

	return p.Default.WithDefaults()
}
