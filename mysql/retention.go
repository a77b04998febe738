package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/velmie/courier"
)

const (
	defaultCleanupLimit      = 10000
	defaultCleanupEvery      = time.Hour
	defaultCleanupLockPrefix = "courier:cleanup:"
)

// CleanupResult reports how many rows were removed per table.
type CleanupResult struct {
	OutboxSent         int
	InboxProcessed     int
	IdempotencyExpired int
}

// Total returns the number of rows removed.
func (r CleanupResult) Total() int {
	return r.OutboxSent + r.InboxProcessed + r.IdempotencyExpired
}

// RetentionConfig controls periodic cleanup.
//
// A zero retention disables cleanup of that table. Failed outbox rows and dead
// letters are never removed here; they wait for an operator.
type RetentionConfig struct {
	// OutboxTable is the outbox table name. Empty uses the default.
	OutboxTable string
	// OutboxRetention removes sent rows older than now-retention.
	OutboxRetention time.Duration
	// InboxTable is the inbox table name. Empty uses the default.
	InboxTable string
	// InboxRetention removes processed rows older than now-retention.
	// It must exceed the transport's maximum redelivery window.
	InboxRetention time.Duration
	// IdempotencyTable is the idempotency table name. Empty uses the default.
	IdempotencyTable string
	// PurgeIdempotency removes expired idempotency keys.
	PurgeIdempotency bool
	// CheckEvery is the interval between cleanup runs.
	CheckEvery time.Duration
	// Limit caps rows deleted per table per run (0 uses the default).
	Limit int
	// LockName is the advisory lock name. Defaults to courier:cleanup:<outbox table>.
	LockName string
	// Clock overrides time source (useful for tests).
	Clock courier.Clock
	// Logger receives cleanup results and failures.
	Logger courier.Logger
}

// RetentionMaintainer prunes settled rows. Concurrent maintainers on other
// hosts skip a run while one holds the MySQL advisory lock.
type RetentionMaintainer struct {
	db          *sql.DB
	cfg         RetentionConfig
	outbox      *OutboxStore
	inbox       *InboxStore
	idempotency *IdempotencyStore
}

// NewRetentionMaintainer creates a maintainer with defaults applied.
func NewRetentionMaintainer(db *sql.DB, cfg RetentionConfig) (*RetentionMaintainer, error) {
	if db == nil {
		return nil, ErrDBRequired
	}
	if cfg.OutboxRetention <= 0 && cfg.InboxRetention <= 0 && !cfg.PurgeIdempotency {
		return nil, ErrCleanupRetentionInvalid
	}
	if cfg.Clock == nil {
		cfg.Clock = courier.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = courier.NopLogger{}
	}
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = defaultCleanupEvery
	}
	if cfg.Limit == 0 {
		cfg.Limit = defaultCleanupLimit
	}
	if cfg.Limit < 0 {
		return nil, ErrCleanupLimitInvalid
	}

	m := &RetentionMaintainer{db: db}
	var err error
	if m.outbox, err = NewOutboxStore(db, tableOption(cfg.OutboxTable)...); err != nil {
		return nil, err
	}
	if m.inbox, err = NewInboxStore(db, tableOption(cfg.InboxTable)...); err != nil {
		return nil, err
	}
	if m.idempotency, err = NewIdempotencyStore(db, tableOption(cfg.IdempotencyTable)...); err != nil {
		return nil, err
	}
	cfg.OutboxTable = m.outbox.cfg.Table
	cfg.InboxTable = m.inbox.cfg.Table
	cfg.IdempotencyTable = m.idempotency.cfg.Table
	if cfg.LockName == "" {
		cfg.LockName = defaultCleanupLockPrefix + cfg.OutboxTable
	}
	m.cfg = cfg

	return m, nil
}

func tableOption(name string) []Option {
	if name == "" {
		return nil
	}

	return []Option{WithTable(name)}
}

// Run periodically prunes rows until the context is canceled.
func (m *RetentionMaintainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CheckEvery)
	defer ticker.Stop()

	m.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

func (m *RetentionMaintainer) runOnce(ctx context.Context) {
	res, err := m.Ensure(ctx)
	if err != nil {
		m.cfg.Logger.Warn("courier cleanup failed", "err", err)

		return
	}
	if res.Total() > 0 {
		m.cfg.Logger.Info(
			"courier cleanup removed rows",
			"outbox_sent", res.OutboxSent,
			"inbox_processed", res.InboxProcessed,
			"idempotency_expired", res.IdempotencyExpired,
		)
	}
}

// Ensure executes a single cleanup pass. It returns a zero result when another
// session holds the advisory lock.
func (m *RetentionMaintainer) Ensure(ctx context.Context) (CleanupResult, error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("courier mysql: cleanup conn failed: %w", err)
	}
	defer conn.Close()

	locked, err := m.tryLock(ctx, conn)
	if err != nil {
		return CleanupResult{}, err
	}
	if !locked {
		m.cfg.Logger.Debug("courier cleanup lock held by another session")

		return CleanupResult{}, nil
	}
	defer m.releaseLock(ctx, conn)

	now := m.cfg.Clock.Now()
	var res CleanupResult
	if m.cfg.OutboxRetention > 0 {
		if res.OutboxSent, err = m.outbox.pruneSentLimit(ctx, now.Add(-m.cfg.OutboxRetention), m.cfg.Limit); err != nil {
			return res, err
		}
	}
	if m.cfg.InboxRetention > 0 {
		if res.InboxProcessed, err = m.inbox.pruneLimit(ctx, now.Add(-m.cfg.InboxRetention), m.cfg.Limit); err != nil {
			return res, err
		}
	}
	if m.cfg.PurgeIdempotency {
		if res.IdempotencyExpired, err = m.idempotency.purgeLimit(ctx, now, m.cfg.Limit); err != nil {
			return res, err
		}
	}

	return res, nil
}

func (m *RetentionMaintainer) tryLock(ctx context.Context, conn *sql.Conn) (bool, error) {
	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", m.cfg.LockName).Scan(&got); err != nil {
		return false, fmt.Errorf("courier mysql: acquire cleanup lock failed: %w", err)
	}

	return got.Valid && got.Int64 == 1, nil
}

func (m *RetentionMaintainer) releaseLock(ctx context.Context, conn *sql.Conn) {
	var released sql.NullInt64
	if err := conn.QueryRowContext(context.WithoutCancel(ctx), "SELECT RELEASE_LOCK(?)", m.cfg.LockName).Scan(&released); err != nil {
		m.cfg.Logger.Warn("courier cleanup release lock failed", "err", err)
	}
}
