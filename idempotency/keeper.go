package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/velmie/courier"
)

const (
	defaultTTL         = 24 * time.Hour
	defaultLockTimeout = time.Minute
	maxBeginRounds     = 3
)

// Keeper implements Begin/Complete/Fail over a Store.
type Keeper struct {
	store       Store
	ttl         time.Duration
	lockTimeout time.Duration
	clock       courier.Clock
	logger      courier.Logger
}

// Option configures a Keeper.
type Option func(*Keeper)

// WithTTL sets how long a key is remembered.
func WithTTL(ttl time.Duration) Option {
	return func(k *Keeper) {
		k.ttl = ttl
	}
}

// WithLockTimeout sets how long an in-progress key blocks retries before it is
// considered abandoned.
func WithLockTimeout(timeout time.Duration) Option {
	return func(k *Keeper) {
		k.lockTimeout = timeout
	}
}

// WithClock sets the keeper clock.
func WithClock(clock courier.Clock) Option {
	return func(k *Keeper) {
		k.clock = clock
	}
}

// WithLogger sets the keeper logger.
func WithLogger(logger courier.Logger) Option {
	return func(k *Keeper) {
		k.logger = logger
	}
}

// NewKeeper constructs a Keeper over store.
func NewKeeper(store Store, opts ...Option) *Keeper {
	if store == nil {
		panic("idempotency: nil Store")
	}

	k := &Keeper{
		store:       store,
		ttl:         defaultTTL,
		lockTimeout: defaultLockTimeout,
		clock:       courier.SystemClock{},
		logger:      courier.NopLogger{},
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.ttl <= 0 {
		k.ttl = defaultTTL
	}
	if k.lockTimeout <= 0 {
		k.lockTimeout = defaultLockTimeout
	}

	return k
}

// Begin decides whether the request identified by key and fingerprint may run.
// It returns ErrConflictingKey when key was used for a different request.
func (k *Keeper) Begin(ctx context.Context, key, fingerprint string) (Decision, error) {
	if key == "" {
		return Decision{}, ErrKeyRequired
	}

	for round := 0; round < maxBeginRounds; round++ {
		now := k.clock.Now()
		err := k.store.Insert(ctx, Record{
			Key:                key,
			RequestFingerprint: fingerprint,
			Status:             StatusInProgress,
			CreatedAt:          now,
			UpdatedAt:          now,
			ExpiresAt:          now.Add(k.ttl),
		})
		if err == nil {
			return Decision{Outcome: Proceed}, nil
		}
		if !errors.Is(err, ErrKeyExists) {
			return Decision{}, fmt.Errorf("idempotency: insert %q: %w", key, err)
		}

		existing, err := k.store.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return Decision{}, fmt.Errorf("idempotency: load %q: %w", key, err)
		}

		expired := !existing.ExpiresAt.After(now)
		if !expired {
			if existing.RequestFingerprint != fingerprint {
				return Decision{}, ErrConflictingKey
			}
			switch existing.Status {
			case StatusCompleted:
				return Decision{Outcome: Replay, Response: existing.Response}, nil
			case StatusInProgress:
				if existing.UpdatedAt.After(now.Add(-k.lockTimeout)) {
					return Decision{Outcome: InProgress}, nil
				}
				k.logger.Warn("idempotency taking over stale key", "key", key, "updated_at", existing.UpdatedAt)
			}
		}

		acquired, err := k.store.Acquire(ctx, AcquireRequest{
			Key:         key,
			Fingerprint: fingerprint,
			Now:         now,
			ExpiresAt:   now.Add(k.ttl),
			StaleBefore: now.Add(-k.lockTimeout),
		})
		if err != nil {
			return Decision{}, fmt.Errorf("idempotency: acquire %q: %w", key, err)
		}
		if acquired {
			return Decision{Outcome: Proceed}, nil
		}
	}

	return Decision{}, ErrContention
}

// Complete stores response for key. The snapshot is immutable afterwards.
func (k *Keeper) Complete(ctx context.Context, key string, response []byte) error {
	if key == "" {
		return ErrKeyRequired
	}

	return k.store.Complete(ctx, key, response, k.clock.Now())
}

// Fail releases key after a failed attempt so that a retry may run.
func (k *Keeper) Fail(ctx context.Context, key string, cause error) error {
	if key == "" {
		return ErrKeyRequired
	}

	return k.store.Fail(ctx, key, courier.TruncateError(cause), k.clock.Now())
}
