package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/velmie/courier/inbox"
)

const inboxClaimRounds = 3

// InboxStore implements inbox.Store on MySQL.
type InboxStore struct {
	db      *sql.DB
	cfg     Config
	queries inboxQueries
}

var _ inbox.Store = (*InboxStore)(nil)

// NewInboxStore creates an inbox store. The table defaults to courier_inbox.
func NewInboxStore(db *sql.DB, opts ...Option) (*InboxStore, error) {
	if db == nil {
		return nil, ErrDBRequired
	}
	cfg, err := newConfig(defaultInboxTable, opts)
	if err != nil {
		return nil, err
	}

	return &InboxStore{db: db, cfg: cfg, queries: newInboxQueries(cfg.Table)}, nil
}

// Claim implements inbox.Store.
//
// The primary key arbitrates concurrent first deliveries; an expired claim is
// taken over with a conditional update.
func (s *InboxStore) Claim(ctx context.Context, req inbox.ClaimRequest) (inbox.Outcome, error) {
	for range inboxClaimRounds {
		_, err := s.db.ExecContext(
			ctx,
			s.queries.insertClaim,
			req.MessageID,
			req.Consumer,
			req.Owner,
			req.LeaseUntil.UTC(),
		)
		if err == nil {
			return inbox.OutcomeNew, nil
		}
		if !isDuplicateKey(err) {
			return 0, fmt.Errorf("courier mysql: inbox claim failed: %w", err)
		}

		res, err := s.db.ExecContext(
			ctx,
			s.queries.takeover,
			req.Owner,
			req.LeaseUntil.UTC(),
			req.MessageID,
			req.Consumer,
			req.Now.UTC(),
		)
		if err != nil {
			return 0, fmt.Errorf("courier mysql: inbox takeover failed: %w", err)
		}
		n, err := affected(res)
		if err != nil {
			return 0, err
		}
		if n > 0 {
			return inbox.OutcomeNew, nil
		}

		rec, err := s.Get(ctx, req.MessageID, req.Consumer)
		if errors.Is(err, inbox.ErrNotFound) {
			// released between the insert and the lookup
			continue
		}
		if err != nil {
			return 0, err
		}
		if rec.Processed() {
			return inbox.OutcomeDuplicate, nil
		}

		return inbox.OutcomeInFlight, nil
	}

	return inbox.OutcomeInFlight, nil
}

// MarkProcessed implements inbox.Store.
func (s *InboxStore) MarkProcessed(ctx context.Context, messageID, consumer string, fingerprint []byte, at time.Time) error {
	return s.MarkProcessedTx(ctx, s.db, messageID, consumer, fingerprint, at)
}

// MarkProcessedTx is MarkProcessed executed through exec, so the marker commits
// atomically with the handler's own writes in the same transaction.
func (s *InboxStore) MarkProcessedTx(
	ctx context.Context,
	exec Executor,
	messageID, consumer string,
	fingerprint []byte,
	at time.Time,
) error {
	if exec == nil {
		return ErrExecutorRequired
	}
	if _, err := exec.ExecContext(ctx, s.queries.markProcessed, messageID, consumer, at.UTC(), fingerprint); err != nil {
		return fmt.Errorf("courier mysql: inbox mark processed failed: %w", err)
	}

	return nil
}

// Release implements inbox.Store.
func (s *InboxStore) Release(ctx context.Context, messageID, consumer, owner string) error {
	if _, err := s.db.ExecContext(ctx, s.queries.release, messageID, consumer, owner); err != nil {
		return fmt.Errorf("courier mysql: inbox release failed: %w", err)
	}

	return nil
}

// Get implements inbox.Store.
func (s *InboxStore) Get(ctx context.Context, messageID, consumer string) (inbox.Record, error) {
	var (
		rec          inbox.Record
		processedAt  sql.NullTime
		claimedBy    sql.NullString
		claimedUntil sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, s.queries.get, messageID, consumer).Scan(
		&rec.MessageID,
		&rec.ConsumerName,
		&processedAt,
		&rec.ResultFingerprint,
		&claimedBy,
		&claimedUntil,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return inbox.Record{}, inbox.ErrNotFound
	}
	if err != nil {
		return inbox.Record{}, fmt.Errorf("courier mysql: inbox get failed: %w", err)
	}
	rec.ProcessedAt = timeOf(processedAt)
	rec.ClaimedBy = stringOf(claimedBy)
	rec.ClaimedUntil = timeOf(claimedUntil)

	return rec, nil
}

// Prune implements inbox.Store.
func (s *InboxStore) Prune(ctx context.Context, before time.Time) (int, error) {
	return pruneInBatches(ctx, s.db, s.queries.prune, before, s.cfg.PruneBatch, 0)
}

func (s *InboxStore) pruneLimit(ctx context.Context, before time.Time, limit int) (int, error) {
	return pruneInBatches(ctx, s.db, s.queries.prune, before, s.cfg.PruneBatch, limit)
}
