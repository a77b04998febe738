package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/velmie/courier/outbox"
)

// OutboxStore implements outbox.Store on MySQL.
type OutboxStore struct {
	db      *sql.DB
	cfg     Config
	queries outboxQueries
}

var (
	_ outbox.Store          = (*OutboxStore)(nil)
	_ outbox.PendingCounter = (*OutboxStore)(nil)
)

// NewOutboxStore creates an outbox store. The table defaults to courier_outbox.
func NewOutboxStore(db *sql.DB, opts ...Option) (*OutboxStore, error) {
	if db == nil {
		return nil, ErrDBRequired
	}
	cfg, err := newConfig(defaultOutboxTable, opts)
	if err != nil {
		return nil, err
	}

	return &OutboxStore{db: db, cfg: cfg, queries: newOutboxQueries(cfg.Table)}, nil
}

// MustNewOutboxStore is like NewOutboxStore but panics on error.
func MustNewOutboxStore(db *sql.DB, opts ...Option) *OutboxStore {
	store, err := NewOutboxStore(db, opts...)
	if err != nil {
		panic(err)
	}

	return store
}

// Append inserts entry as a pending record using exec, which is normally the
// caller's business transaction. The record becomes visible to the relay only
// when that transaction commits.
func (s *OutboxStore) Append(ctx context.Context, exec Executor, entry outbox.Entry) (uuid.UUID, error) {
	if exec == nil {
		return uuid.Nil, ErrExecutorRequired
	}
	if err := entry.Validate(); err != nil {
		return uuid.Nil, err
	}

	id := entry.ID
	if id == uuid.Nil {
		var err error
		if id, err = s.cfg.Generator.New(); err != nil {
			return uuid.Nil, fmt.Errorf("courier mysql: generate id failed: %w", err)
		}
	}

	headers, err := encodeHeaders(entry.Headers)
	if err != nil {
		return uuid.Nil, err
	}

	now := s.cfg.Clock.Now().UTC()
	if _, err := exec.ExecContext(
		ctx,
		s.queries.insert,
		id[:],
		entry.AggregateKey,
		entry.EventType,
		entry.Payload,
		headers,
		outbox.StatusPending,
		now,
		now,
	); err != nil {
		return uuid.Nil, fmt.Errorf("courier mysql: outbox insert failed: %w", err)
	}

	return id, nil
}

// Claim implements outbox.Store.
func (s *OutboxStore) Claim(ctx context.Context, req outbox.ClaimRequest) ([]outbox.Record, error) {
	if req.Limit <= 0 {
		return nil, outbox.ErrInvalidBatchSize
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("courier mysql: begin claim failed: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	records, err := s.selectDue(ctx, tx, req)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, tx.Commit()
	}

	args := make([]any, 0, len(records)+4)
	args = append(args, outbox.StatusClaimed, req.WorkerID, req.LeaseUntil.UTC(), outbox.StatusPending)
	for i := range records {
		args = append(args, records[i].ID[:])
	}
	query := buildInQuery(s.queries.claimFormat, len(records))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("courier mysql: claim update failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("courier mysql: claim commit failed: %w", err)
	}

	for i := range records {
		records[i].Status = outbox.StatusClaimed
		records[i].ClaimedBy = req.WorkerID
		records[i].ClaimLeaseExpiry = req.LeaseUntil.UTC()
	}

	return records, nil
}

func (s *OutboxStore) selectDue(ctx context.Context, tx *sql.Tx, req outbox.ClaimRequest) ([]outbox.Record, error) {
	rows, err := tx.QueryContext(
		ctx,
		s.queries.selectDue,
		outbox.StatusPending,
		req.Now.UTC(),
		outbox.StatusPending,
		outbox.StatusClaimed,
		req.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("courier mysql: claim select failed: %w", err)
	}
	defer rows.Close()

	records := make([]outbox.Record, 0, req.Limit)
	for rows.Next() {
		rec, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("courier mysql: claim rows failed: %w", err)
	}

	return records, nil
}

// MarkSent implements outbox.Store.
func (s *OutboxStore) MarkSent(ctx context.Context, id uuid.UUID, workerID string, at time.Time) error {
	return s.transition(ctx, id, s.queries.markSent, outbox.StatusSent, at.UTC(), id[:], outbox.StatusClaimed, workerID)
}

// Reschedule implements outbox.Store.
func (s *OutboxStore) Reschedule(
	ctx context.Context,
	id uuid.UUID,
	workerID string,
	attempt int,
	nextAttemptAt time.Time,
	lastErr string,
) error {
	return s.transition(
		ctx, id, s.queries.reschedule,
		outbox.StatusPending, attempt, nextAttemptAt.UTC(), nullString(lastErr),
		id[:], outbox.StatusClaimed, workerID,
	)
}

// MarkFailed implements outbox.Store.
func (s *OutboxStore) MarkFailed(ctx context.Context, id uuid.UUID, workerID string, attempt int, lastErr string) error {
	return s.transition(
		ctx, id, s.queries.markFailed,
		outbox.StatusFailed, attempt, nullString(lastErr),
		id[:], outbox.StatusClaimed, workerID,
	)
}

// Release implements outbox.Store.
func (s *OutboxStore) Release(ctx context.Context, id uuid.UUID, workerID string) error {
	return s.transition(ctx, id, s.queries.release, outbox.StatusPending, id[:], outbox.StatusClaimed, workerID)
}

// ReclaimExpired implements outbox.Store.
func (s *OutboxStore) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.queries.reclaim, outbox.StatusPending, outbox.StatusClaimed, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("courier mysql: reclaim failed: %w", err)
	}
	n, err := affected(res)

	return int(n), err
}

// Requeue implements outbox.Store.
func (s *OutboxStore) Requeue(ctx context.Context, id uuid.UUID, resetAttempts bool, at time.Time) error {
	res, err := s.db.ExecContext(
		ctx,
		s.queries.requeue,
		outbox.StatusPending,
		at.UTC(),
		resetAttempts,
		id[:],
		outbox.StatusFailed,
	)
	if err != nil {
		return fmt.Errorf("courier mysql: requeue failed: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.status(ctx, id); err != nil {
		return err
	}

	return outbox.ErrNotFailed
}

// Get implements outbox.Store.
func (s *OutboxStore) Get(ctx context.Context, id uuid.UUID) (outbox.Record, error) {
	rec, err := scanOutbox(s.db.QueryRowContext(ctx, s.queries.get, id[:]))
	if errors.Is(err, sql.ErrNoRows) {
		return outbox.Record{}, outbox.ErrNotFound
	}

	return rec, err
}

// PendingCount returns the number of pending outbox rows.
func (s *OutboxStore) PendingCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, s.queries.countPending, outbox.StatusPending).Scan(&count); err != nil {
		return 0, fmt.Errorf("courier mysql: pending count failed: %w", err)
	}

	return count, nil
}

// PruneSent deletes sent rows sent before cutoff.
func (s *OutboxStore) PruneSent(ctx context.Context, cutoff time.Time) (int, error) {
	return pruneInBatches(ctx, s.db, s.queries.pruneSent, cutoff, s.cfg.PruneBatch, 0)
}

func (s *OutboxStore) pruneSentLimit(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	return pruneInBatches(ctx, s.db, s.queries.pruneSent, cutoff, s.cfg.PruneBatch, limit)
}

// transition runs a conditional update and tells a missing row apart from a lost lease.
func (s *OutboxStore) transition(ctx context.Context, id uuid.UUID, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("courier mysql: outbox update failed: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.status(ctx, id); err != nil {
		return err
	}

	return outbox.ErrLeaseLost
}

func (s *OutboxStore) status(ctx context.Context, id uuid.UUID) (outbox.Status, error) {
	var status outbox.Status
	err := s.db.QueryRowContext(ctx, s.queries.exists, id[:]).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, outbox.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("courier mysql: outbox lookup failed: %w", err)
	}

	return status, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOutbox(row scanner) (outbox.Record, error) {
	var (
		rec       outbox.Record
		headers   []byte
		claimedBy sql.NullString
		lease     sql.NullTime
		lastErr   sql.NullString
		sentAt    sql.NullTime
	)
	err := row.Scan(
		&rec.ID,
		&rec.AggregateKey,
		&rec.EventType,
		&rec.Payload,
		&headers,
		&rec.Status,
		&rec.Attempt,
		&claimedBy,
		&lease,
		&rec.NextAttemptAt,
		&lastErr,
		&rec.CreatedAt,
		&sentAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return outbox.Record{}, err
	}
	if err != nil {
		return outbox.Record{}, fmt.Errorf("courier mysql: outbox scan failed: %w", err)
	}

	if rec.Headers, err = decodeHeaders(headers); err != nil {
		return outbox.Record{}, err
	}
	rec.ClaimedBy = stringOf(claimedBy)
	rec.ClaimLeaseExpiry = timeOf(lease)
	rec.LastError = stringOf(lastErr)
	rec.SentAt = timeOf(sentAt)
	rec.NextAttemptAt = rec.NextAttemptAt.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()

	return rec, nil
}

func encodeHeaders(headers map[string]string) (any, error) {
	if len(headers) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(headers)
	if err != nil {
		return nil, fmt.Errorf("courier mysql: encode headers failed: %w", err)
	}

	return raw, nil
}

func decodeHeaders(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var headers map[string]string
	if err := json.Unmarshal(raw, &headers); err != nil {
		return nil, fmt.Errorf("courier mysql: decode headers failed: %w", err)
	}

	return headers, nil
}
