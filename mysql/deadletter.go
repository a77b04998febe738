package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/velmie/courier/deadletter"
)

const defaultListLimit = 100

// DeadLetterStore implements deadletter.Store on MySQL.
//
// A generated unique column keeps at most one pending record per source.
type DeadLetterStore struct {
	db      *sql.DB
	cfg     Config
	queries deadLetterQueries
}

var _ deadletter.Store = (*DeadLetterStore)(nil)

// NewDeadLetterStore creates a dead letter store. The table defaults to courier_dead_letters.
func NewDeadLetterStore(db *sql.DB, opts ...Option) (*DeadLetterStore, error) {
	if db == nil {
		return nil, ErrDBRequired
	}
	cfg, err := newConfig(defaultDeadLetterTable, opts)
	if err != nil {
		return nil, err
	}

	return &DeadLetterStore{db: db, cfg: cfg, queries: newDeadLetterQueries(cfg.Table)}, nil
}

// Capture implements deadletter.Store.
func (s *DeadLetterStore) Capture(ctx context.Context, rec deadletter.Record) (deadletter.Record, error) {
	_, err := s.db.ExecContext(
		ctx,
		s.queries.insert,
		rec.ID[:],
		rec.SourceType,
		rec.SourceID,
		rec.Payload,
		nullString(rec.LastError),
		rec.Attempts,
		rec.MovedAt.UTC(),
		rec.Status,
		nullTime(rec.ReplayedAt),
	)
	if err == nil {
		return rec, nil
	}
	if !isDuplicateKey(err) {
		return deadletter.Record{}, fmt.Errorf("courier mysql: dead letter insert failed: %w", err)
	}

	existing, err := scanDeadLetter(s.db.QueryRowContext(
		ctx,
		s.queries.getOpen,
		rec.SourceType,
		rec.SourceID,
		deadletter.StatusPending,
	))
	if errors.Is(err, deadletter.ErrNotFound) {
		return deadletter.Record{}, fmt.Errorf("courier mysql: dead letter %s/%s conflicts but is not pending", rec.SourceType, rec.SourceID)
	}

	return existing, err
}

// List implements deadletter.Store.
func (s *DeadLetterStore) List(ctx context.Context, filter deadletter.Filter) ([]deadletter.Record, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	hasSince := 0
	if !filter.Since.IsZero() {
		hasSince = 1
	}

	rows, err := s.db.QueryContext(
		ctx,
		s.queries.list,
		deadletter.StatusPending,
		string(filter.Source),
		string(filter.Source),
		hasSince,
		nullTime(filter.Since),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("courier mysql: dead letter list failed: %w", err)
	}
	defer rows.Close()

	out := make([]deadletter.Record, 0)
	for rows.Next() {
		rec, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("courier mysql: dead letter rows failed: %w", err)
	}

	return out, nil
}

// Get implements deadletter.Store.
func (s *DeadLetterStore) Get(ctx context.Context, id uuid.UUID) (deadletter.Record, error) {
	return scanDeadLetter(s.db.QueryRowContext(ctx, s.queries.get, id[:]))
}

// MarkReplayed implements deadletter.Store.
func (s *DeadLetterStore) MarkReplayed(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(
		ctx,
		s.queries.markReplayed,
		deadletter.StatusReplayed,
		at.UTC(),
		id[:],
		deadletter.StatusPending,
	)
	if err != nil {
		return fmt.Errorf("courier mysql: dead letter replay update failed: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}

	return deadletter.ErrAlreadyReplayed
}

func scanDeadLetter(row scanner) (deadletter.Record, error) {
	var (
		rec        deadletter.Record
		source     string
		lastErr    sql.NullString
		replayedAt sql.NullTime
	)
	err := row.Scan(
		&rec.ID,
		&source,
		&rec.SourceID,
		&rec.Payload,
		&lastErr,
		&rec.Attempts,
		&rec.MovedAt,
		&rec.Status,
		&replayedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return deadletter.Record{}, deadletter.ErrNotFound
	}
	if err != nil {
		return deadletter.Record{}, fmt.Errorf("courier mysql: dead letter scan failed: %w", err)
	}
	rec.SourceType = deadletter.SourceType(source)
	rec.LastError = stringOf(lastErr)
	rec.MovedAt = rec.MovedAt.UTC()
	rec.ReplayedAt = timeOf(replayedAt)

	return rec, nil
}
