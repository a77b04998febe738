// Package config loads process configuration for the courier binaries.
//
// Values come from an optional YAML file, then COURIER_* environment
// variables (dots become underscores, so relay.batch_size is
// COURIER_RELAY_BATCH_SIZE), then built-in defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "COURIER"

var (
	// ErrDSNRequired is returned when no MySQL DSN is configured.
	ErrDSNRequired = errors.New("config: mysql.dsn is required")
	// ErrInvalid is returned for out-of-range values.
	ErrInvalid = errors.New("config: invalid value")
)

// Config is the full process configuration.
type Config struct {
	Log       LogConfig
	MySQL     MySQLConfig
	Redis     RedisConfig
	Stream    StreamConfig
	Relay     RelayConfig
	Retry     RetryConfig
	Breaker   BreakerConfig
	Retention RetentionConfig
	HTTP      HTTPConfig
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Tables          TablesConfig
}

// TablesConfig names the MySQL tables. Empty names use the store defaults.
type TablesConfig struct {
	Outbox      string
	Inbox       string
	Idempotency string
	Saga        string
	DeadLetters string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type StreamConfig struct {
	Prefix     string
	Partitions int
	Group      string
	Consumer   string
	Block      time.Duration
	MinIdle    time.Duration
	MaxLen     int64
}

type RelayConfig struct {
	WorkerID         string
	Workers          int
	BatchSize        int
	PollInterval     time.Duration
	Lease            time.Duration
	WatchdogInterval time.Duration
	PublishTimeout   time.Duration
	ShutdownTimeout  time.Duration
	PendingInterval  time.Duration
}

type RetryConfig struct {
	Base        time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Jitter      float64
}

type BreakerConfig struct {
	Enabled          bool
	FailureThreshold uint32
	ResetTimeout     time.Duration
}

type RetentionConfig struct {
	Enabled          bool
	Outbox           time.Duration
	Inbox            time.Duration
	PurgeIdempotency bool
	CheckEvery       time.Duration
	Limit            int
	LockName         string
}

type HTTPConfig struct {
	// Addr is the health endpoint listen address. Empty disables it.
	Addr string
}

// Option adjusts loading.
type Option func(*viper.Viper)

// WithOverride sets key above every other source. Command-line flags use it.
func WithOverride(key string, value any) Option {
	return func(v *viper.Viper) { v.Set(key, value) }
}

// Load reads configuration. An empty path searches for courier.yaml in the
// working directory and /etc/courier; a missing file is not an error then.
func Load(path string, opts ...Option) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("courier")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/courier")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, opt := range opts {
		opt(v)
	}

	cfg := &Config{
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		MySQL: MySQLConfig{
			DSN:             v.GetString("mysql.dsn"),
			MaxOpenConns:    v.GetInt("mysql.max_open_conns"),
			MaxIdleConns:    v.GetInt("mysql.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("mysql.conn_max_lifetime"),
			Tables: TablesConfig{
				Outbox:      v.GetString("mysql.tables.outbox"),
				Inbox:       v.GetString("mysql.tables.inbox"),
				Idempotency: v.GetString("mysql.tables.idempotency"),
				Saga:        v.GetString("mysql.tables.saga"),
				DeadLetters: v.GetString("mysql.tables.dead_letters"),
			},
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Stream: StreamConfig{
			Prefix:     v.GetString("stream.prefix"),
			Partitions: v.GetInt("stream.partitions"),
			Group:      v.GetString("stream.group"),
			Consumer:   v.GetString("stream.consumer"),
			Block:      v.GetDuration("stream.block"),
			MinIdle:    v.GetDuration("stream.min_idle"),
			MaxLen:     v.GetInt64("stream.max_len"),
		},
		Relay: RelayConfig{
			WorkerID:         v.GetString("relay.worker_id"),
			Workers:          v.GetInt("relay.workers"),
			BatchSize:        v.GetInt("relay.batch_size"),
			PollInterval:     v.GetDuration("relay.poll_interval"),
			Lease:            v.GetDuration("relay.lease"),
			WatchdogInterval: v.GetDuration("relay.watchdog_interval"),
			PublishTimeout:   v.GetDuration("relay.publish_timeout"),
			ShutdownTimeout:  v.GetDuration("relay.shutdown_timeout"),
			PendingInterval:  v.GetDuration("relay.pending_interval"),
		},
		Retry: RetryConfig{
			Base:        v.GetDuration("retry.base"),
			MaxDelay:    v.GetDuration("retry.max_delay"),
			MaxAttempts: v.GetInt("retry.max_attempts"),
			Jitter:      v.GetFloat64("retry.jitter"),
		},
		Breaker: BreakerConfig{
			Enabled:          v.GetBool("breaker.enabled"),
			FailureThreshold: v.GetUint32("breaker.failure_threshold"),
			ResetTimeout:     v.GetDuration("breaker.reset_timeout"),
		},
		Retention: RetentionConfig{
			Enabled:          v.GetBool("retention.enabled"),
			Outbox:           v.GetDuration("retention.outbox"),
			Inbox:            v.GetDuration("retention.inbox"),
			PurgeIdempotency: v.GetBool("retention.purge_idempotency"),
			CheckEvery:       v.GetDuration("retention.check_every"),
			Limit:            v.GetInt("retention.limit"),
			LockName:         v.GetString("retention.lock_name"),
		},
		HTTP: HTTPConfig{
			Addr: v.GetString("http.addr"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")

	v.SetDefault("mysql.max_open_conns", 20)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("mysql.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("stream.prefix", "courier:stream")
	v.SetDefault("stream.partitions", 8)
	v.SetDefault("stream.group", "courier")
	v.SetDefault("stream.block", time.Second)
	v.SetDefault("stream.min_idle", 30*time.Second)

	v.SetDefault("relay.workers", 4)
	v.SetDefault("relay.batch_size", 100)
	v.SetDefault("relay.poll_interval", time.Second)
	v.SetDefault("relay.lease", 30*time.Second)
	v.SetDefault("relay.watchdog_interval", 10*time.Second)
	v.SetDefault("relay.publish_timeout", 10*time.Second)
	v.SetDefault("relay.shutdown_timeout", 15*time.Second)
	v.SetDefault("relay.pending_interval", 15*time.Second)

	v.SetDefault("retry.base", time.Second)
	v.SetDefault("retry.max_delay", 5*time.Minute)
	v.SetDefault("retry.max_attempts", 10)
	v.SetDefault("retry.jitter", 0.2)

	v.SetDefault("breaker.enabled", true)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout", 30*time.Second)

	v.SetDefault("retention.outbox", 7*24*time.Hour)
	v.SetDefault("retention.inbox", 7*24*time.Hour)
	v.SetDefault("retention.purge_idempotency", true)
	v.SetDefault("retention.check_every", time.Hour)

	v.SetDefault("http.addr", ":8080")
}

// Validate checks required values and ranges.
func (c *Config) Validate() error {
	if c.MySQL.DSN == "" {
		return ErrDSNRequired
	}

	var errs []error
	if c.Relay.Workers <= 0 {
		errs = append(errs, fmt.Errorf("%w: relay.workers must be positive", ErrInvalid))
	}
	if c.Relay.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("%w: relay.batch_size must be positive", ErrInvalid))
	}
	if c.Relay.Lease <= 0 {
		errs = append(errs, fmt.Errorf("%w: relay.lease must be positive", ErrInvalid))
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("%w: retry.max_attempts must be positive", ErrInvalid))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		errs = append(errs, fmt.Errorf("%w: retry.jitter must be within [0,1]", ErrInvalid))
	}
	if c.Stream.Partitions <= 0 {
		errs = append(errs, fmt.Errorf("%w: stream.partitions must be positive", ErrInvalid))
	}
	if c.Retention.Enabled && c.Retention.Outbox <= 0 && c.Retention.Inbox <= 0 && !c.Retention.PurgeIdempotency {
		errs = append(errs, fmt.Errorf("%w: retention enabled with nothing to clean", ErrInvalid))
	}

	return errors.Join(errs...)
}
