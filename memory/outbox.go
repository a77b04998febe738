package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/velmie/courier"
	"github.com/velmie/courier/outbox"
)

// OutboxStore is an in-memory outbox.
type OutboxStore struct {
	mu      sync.Mutex
	clock   courier.Clock
	ids     courier.IDGenerator
	records map[uuid.UUID]*outbox.Record
	seq     map[uuid.UUID]uint64
	next    uint64
}

var (
	_ outbox.Store          = (*OutboxStore)(nil)
	_ outbox.PendingCounter = (*OutboxStore)(nil)
)

// NewOutboxStore returns an empty store using the system clock and UUIDv7 ids.
func NewOutboxStore() *OutboxStore {
	return NewOutboxStoreWith(courier.SystemClock{}, courier.UUIDv7Generator{})
}

// NewOutboxStoreWith returns an empty store with an explicit clock and id generator.
func NewOutboxStoreWith(clock courier.Clock, ids courier.IDGenerator) *OutboxStore {
	return &OutboxStore{
		clock:   clock,
		ids:     ids,
		records: make(map[uuid.UUID]*outbox.Record),
		seq:     make(map[uuid.UUID]uint64),
	}
}

// Append stages entry as a pending record.
func (s *OutboxStore) Append(_ context.Context, entry outbox.Entry) (uuid.UUID, error) {
	if err := entry.Validate(); err != nil {
		return uuid.Nil, err
	}

	id := entry.ID
	if id == uuid.Nil {
		var err error
		if id, err = s.ids.New(); err != nil {
			return uuid.Nil, err
		}
	}

	rec := outbox.NewRecord(entry, id, s.clock.Now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[id]; exists {
		return uuid.Nil, fmt.Errorf("memory: outbox record %s already exists", id)
	}
	s.records[id] = &rec
	s.next++
	s.seq[id] = s.next

	return id, nil
}

// Claim implements outbox.Store.
func (s *OutboxStore) Claim(_ context.Context, req outbox.ClaimRequest) ([]outbox.Record, error) {
	if req.Limit <= 0 {
		return nil, outbox.ErrInvalidBatchSize
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ordered := s.orderedLocked()
	blocked := make(map[string]bool)
	claimed := make([]outbox.Record, 0, req.Limit)
	for _, rec := range ordered {
		if len(claimed) == req.Limit {
			break
		}
		if rec.Status != outbox.StatusPending && rec.Status != outbox.StatusClaimed {
			continue
		}
		head := !blocked[rec.AggregateKey]
		blocked[rec.AggregateKey] = true
		if !head || rec.Status != outbox.StatusPending || rec.NextAttemptAt.After(req.Now) {
			continue
		}

		rec.Status = outbox.StatusClaimed
		rec.ClaimedBy = req.WorkerID
		rec.ClaimLeaseExpiry = req.LeaseUntil
		claimed = append(claimed, cloneRecord(*rec))
	}

	return claimed, nil
}

// MarkSent implements outbox.Store.
func (s *OutboxStore) MarkSent(_ context.Context, id uuid.UUID, workerID string, at time.Time) error {
	return s.transition(id, workerID, func(rec *outbox.Record) {
		rec.Status = outbox.StatusSent
		rec.SentAt = at
	})
}

// Reschedule implements outbox.Store.
func (s *OutboxStore) Reschedule(
	_ context.Context,
	id uuid.UUID,
	workerID string,
	attempt int,
	nextAttemptAt time.Time,
	lastErr string,
) error {
	return s.transition(id, workerID, func(rec *outbox.Record) {
		rec.Status = outbox.StatusPending
		rec.Attempt = attempt
		rec.NextAttemptAt = nextAttemptAt
		rec.LastError = lastErr
	})
}

// MarkFailed implements outbox.Store.
func (s *OutboxStore) MarkFailed(_ context.Context, id uuid.UUID, workerID string, attempt int, lastErr string) error {
	return s.transition(id, workerID, func(rec *outbox.Record) {
		rec.Status = outbox.StatusFailed
		rec.Attempt = attempt
		rec.LastError = lastErr
	})
}

// Release implements outbox.Store.
func (s *OutboxStore) Release(_ context.Context, id uuid.UUID, workerID string) error {
	return s.transition(id, workerID, func(*outbox.Record) {})
}

// ReclaimExpired implements outbox.Store.
func (s *OutboxStore) ReclaimExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, rec := range s.records {
		if rec.Status == outbox.StatusClaimed && rec.ClaimLeaseExpiry.Before(now) {
			clearClaim(rec)
			rec.Status = outbox.StatusPending
			n++
		}
	}

	return n, nil
}

// Requeue implements outbox.Store.
func (s *OutboxStore) Requeue(_ context.Context, id uuid.UUID, resetAttempts bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return outbox.ErrNotFound
	}
	if rec.Status != outbox.StatusFailed {
		return outbox.ErrNotFailed
	}

	rec.Status = outbox.StatusPending
	rec.NextAttemptAt = at
	if resetAttempts {
		rec.Attempt = 0
	}

	return nil
}

// Get implements outbox.Store.
func (s *OutboxStore) Get(_ context.Context, id uuid.UUID) (outbox.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return outbox.Record{}, outbox.ErrNotFound
	}

	return cloneRecord(*rec), nil
}

// PendingCount implements outbox.PendingCounter.
func (s *OutboxStore) PendingCount(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, rec := range s.records {
		if rec.Status == outbox.StatusPending {
			n++
		}
	}

	return n, nil
}

// Records returns every record ordered by creation.
func (s *OutboxStore) Records() []outbox.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	ordered := s.orderedLocked()
	out := make([]outbox.Record, len(ordered))
	for i, rec := range ordered {
		out[i] = cloneRecord(*rec)
	}

	return out
}

// PruneSent deletes sent records sent before cutoff.
func (s *OutboxStore) PruneSent(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, rec := range s.records {
		if rec.Status == outbox.StatusSent && rec.SentAt.Before(cutoff) {
			delete(s.records, id)
			delete(s.seq, id)
			n++
		}
	}

	return n, nil
}

func (s *OutboxStore) transition(id uuid.UUID, workerID string, apply func(*outbox.Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return outbox.ErrNotFound
	}
	if rec.Status != outbox.StatusClaimed || rec.ClaimedBy != workerID {
		return outbox.ErrLeaseLost
	}

	clearClaim(rec)
	rec.Status = outbox.StatusPending
	apply(rec)

	return nil
}

func (s *OutboxStore) orderedLocked() []*outbox.Record {
	ordered := make([]*outbox.Record, 0, len(s.records))
	for _, rec := range s.records {
		ordered = append(ordered, rec)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}

		return s.seq[ordered[i].ID] < s.seq[ordered[j].ID]
	})

	return ordered
}

func clearClaim(rec *outbox.Record) {
	rec.ClaimedBy = ""
	rec.ClaimLeaseExpiry = time.Time{}
}

func cloneRecord(rec outbox.Record) outbox.Record {
	rec.Payload = append([]byte(nil), rec.Payload...)
	if rec.Headers != nil {
		headers := make(map[string]string, len(rec.Headers))
		for k, v := range rec.Headers {
			headers[k] = v
		}
		rec.Headers = headers
	}

	return rec
}
