package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/velmie/courier/idempotency"
)

// IdempotencyStore implements idempotency.Store on MySQL.
type IdempotencyStore struct {
	db      *sql.DB
	cfg     Config
	queries idempotencyQueries
}

var (
	_ idempotency.Store  = (*IdempotencyStore)(nil)
	_ idempotency.Purger = (*IdempotencyStore)(nil)
)

// NewIdempotencyStore creates an idempotency key store. The table defaults to courier_idempotency.
func NewIdempotencyStore(db *sql.DB, opts ...Option) (*IdempotencyStore, error) {
	if db == nil {
		return nil, ErrDBRequired
	}
	cfg, err := newConfig(defaultIdempotencyTable, opts)
	if err != nil {
		return nil, err
	}

	return &IdempotencyStore{db: db, cfg: cfg, queries: newIdempotencyQueries(cfg.Table)}, nil
}

// Insert implements idempotency.Store.
func (s *IdempotencyStore) Insert(ctx context.Context, rec idempotency.Record) error {
	_, err := s.db.ExecContext(
		ctx,
		s.queries.insert,
		rec.Key,
		rec.RequestFingerprint,
		rec.Status,
		rec.Response,
		nullString(rec.LastError),
		rec.CreatedAt.UTC(),
		rec.UpdatedAt.UTC(),
		rec.ExpiresAt.UTC(),
	)
	if isDuplicateKey(err) {
		return idempotency.ErrKeyExists
	}
	if err != nil {
		return fmt.Errorf("courier mysql: idempotency insert failed: %w", err)
	}

	return nil
}

// Get implements idempotency.Store.
func (s *IdempotencyStore) Get(ctx context.Context, key string) (idempotency.Record, error) {
	var (
		rec     idempotency.Record
		lastErr sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.queries.get, key).Scan(
		&rec.Key,
		&rec.RequestFingerprint,
		&rec.Status,
		&rec.Response,
		&lastErr,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return idempotency.Record{}, idempotency.ErrNotFound
	}
	if err != nil {
		return idempotency.Record{}, fmt.Errorf("courier mysql: idempotency get failed: %w", err)
	}
	rec.LastError = stringOf(lastErr)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	rec.ExpiresAt = rec.ExpiresAt.UTC()

	return rec, nil
}

// Complete implements idempotency.Store.
func (s *IdempotencyStore) Complete(ctx context.Context, key string, response []byte, at time.Time) error {
	if response == nil {
		response = []byte{}
	}

	return s.finish(ctx, key, s.queries.complete, idempotency.StatusCompleted, response, at.UTC(), key, idempotency.StatusInProgress)
}

// Fail implements idempotency.Store.
func (s *IdempotencyStore) Fail(ctx context.Context, key, lastErr string, at time.Time) error {
	return s.finish(ctx, key, s.queries.fail, idempotency.StatusFailed, nullString(lastErr), at.UTC(), key, idempotency.StatusInProgress)
}

// Acquire implements idempotency.Store.
func (s *IdempotencyStore) Acquire(ctx context.Context, req idempotency.AcquireRequest) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		s.queries.acquire,
		req.Fingerprint,
		idempotency.StatusInProgress,
		req.Now.UTC(),
		req.ExpiresAt.UTC(),
		req.Key,
		idempotency.StatusFailed,
		req.Now.UTC(),
		idempotency.StatusInProgress,
		req.StaleBefore.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("courier mysql: idempotency acquire failed: %w", err)
	}
	n, err := affected(res)

	return n > 0, err
}

// PurgeExpired implements idempotency.Purger.
func (s *IdempotencyStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	return pruneInBatches(ctx, s.db, s.queries.purge, now, s.cfg.PruneBatch, 0)
}

func (s *IdempotencyStore) purgeLimit(ctx context.Context, now time.Time, limit int) (int, error) {
	return pruneInBatches(ctx, s.db, s.queries.purge, now, s.cfg.PruneBatch, limit)
}

func (s *IdempotencyStore) finish(ctx context.Context, key, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("courier mysql: idempotency update failed: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, key); err != nil {
		return err
	}

	return idempotency.ErrNotInProgress
}
