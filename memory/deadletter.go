package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/velmie/courier/deadletter"
)

// DeadLetterStore is an in-memory dead letter store.
type DeadLetterStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]deadletter.Record
}

var _ deadletter.Store = (*DeadLetterStore)(nil)

// NewDeadLetterStore returns an empty store.
func NewDeadLetterStore() *DeadLetterStore {
	return &DeadLetterStore{records: make(map[uuid.UUID]deadletter.Record)}
}

// Capture implements deadletter.Store.
func (s *DeadLetterStore) Capture(_ context.Context, rec deadletter.Record) (deadletter.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.records {
		if existing.Status == deadletter.StatusPending &&
			existing.SourceType == rec.SourceType &&
			existing.SourceID == rec.SourceID {
			return existing, nil
		}
	}
	rec.Payload = append([]byte(nil), rec.Payload...)
	s.records[rec.ID] = rec

	return rec, nil
}

// List implements deadletter.Store.
func (s *DeadLetterStore) List(_ context.Context, filter deadletter.Filter) ([]deadletter.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]deadletter.Record, 0)
	for _, rec := range s.records {
		if rec.Status != deadletter.StatusPending {
			continue
		}
		if filter.Source != "" && rec.SourceType != filter.Source {
			continue
		}
		if !filter.Since.IsZero() && rec.MovedAt.Before(filter.Since) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].MovedAt.Equal(out[j].MovedAt) {
			return out[i].MovedAt.Before(out[j].MovedAt)
		}

		return out[i].ID.String() < out[j].ID.String()
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}

	return out, nil
}

// Get implements deadletter.Store.
func (s *DeadLetterStore) Get(_ context.Context, id uuid.UUID) (deadletter.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return deadletter.Record{}, deadletter.ErrNotFound
	}

	return rec, nil
}

// MarkReplayed implements deadletter.Store.
func (s *DeadLetterStore) MarkReplayed(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return deadletter.ErrNotFound
	}
	if rec.Status != deadletter.StatusPending {
		return deadletter.ErrAlreadyReplayed
	}
	rec.Status = deadletter.StatusReplayed
	rec.ReplayedAt = at
	s.records[id] = rec

	return nil
}
