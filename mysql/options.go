package mysql

import "github.com/velmie/courier"

const (
	defaultOutboxTable      = "courier_outbox"
	defaultInboxTable       = "courier_inbox"
	defaultIdempotencyTable = "courier_idempotency"
	defaultSagaTable        = "courier_saga"
	defaultDeadLetterTable  = "courier_dead_letters"
	defaultPruneBatch       = 10000
)

// Config defines store behavior shared by every MySQL store.
type Config struct {
	// Table overrides the store's default table name. Use schema.table for a
	// non-default schema. The saga store derives its step table as <Table>_steps.
	Table string
	// Clock stamps rows created by the store itself.
	Clock courier.Clock
	// Generator assigns ids to outbox entries without one.
	Generator courier.IDGenerator
	// PruneBatch caps rows removed by one DELETE during pruning.
	PruneBatch int
}

func (c Config) withDefaults(table string) Config {
	if c.Table == "" {
		c.Table = table
	}
	if c.Clock == nil {
		c.Clock = courier.SystemClock{}
	}
	if c.Generator == nil {
		c.Generator = courier.UUIDv7Generator{}
	}
	if c.PruneBatch <= 0 {
		c.PruneBatch = defaultPruneBatch
	}

	return c
}

func newConfig(table string, opts []Option) (Config, error) {
	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults(table)

	name, err := sanitizeTableName(cfg.Table)
	if err != nil {
		return Config{}, err
	}
	cfg.Table = name

	return cfg, nil
}

// Option configures a MySQL store.
type Option func(*Config)

// WithTable sets the table name.
func WithTable(name string) Option {
	return func(c *Config) {
		c.Table = name
	}
}

// WithClock sets the time source used by the store.
func WithClock(clock courier.Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

// WithGenerator sets the UUID generator.
func WithGenerator(gen courier.IDGenerator) Option {
	return func(c *Config) {
		c.Generator = gen
	}
}

// WithPruneBatch sets how many rows one pruning DELETE may remove.
func WithPruneBatch(n int) Option {
	return func(c *Config) {
		c.PruneBatch = n
	}
}
