package redis

import (
	"errors"
	"time"
)

const (
	defaultIdempotencyPrefix = "courier:idem:"
	defaultInboxPrefix       = "courier:inbox:"
	defaultInboxRetention    = 7 * 24 * time.Hour
)

// ErrClientRequired is returned when a nil client is provided.
var ErrClientRequired = errors.New("courier redis: client is required")

// Config defines store behavior.
type Config struct {
	// Prefix is prepended to every key.
	Prefix string
	// Retention is the TTL of inbox records. It must exceed the transport's
	// maximum redelivery window.
	Retention time.Duration
}

// Option configures a Redis store.
type Option func(*Config)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(c *Config) {
		c.Prefix = prefix
	}
}

// WithRetention sets the inbox record TTL.
func WithRetention(retention time.Duration) Option {
	return func(c *Config) {
		c.Retention = retention
	}
}

func newConfig(prefix string, opts []Option) Config {
	cfg := Config{Prefix: prefix, Retention: defaultInboxRetention}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultInboxRetention
	}

	return cfg
}

func micros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixMicro()
}

func fromMicros(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}

	return time.UnixMicro(v).UTC()
}

// ttlMillis converts d to a positive PEXPIRE argument.
func ttlMillis(d time.Duration) int64 {
	ms := d.Milliseconds()
	if ms < 1 {
		return 1
	}

	return ms
}
