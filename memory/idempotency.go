package memory

import (
	"context"
	"sync"
	"time"

	"github.com/velmie/courier/idempotency"
)

// IdempotencyStore is an in-memory idempotency store.
type IdempotencyStore struct {
	mu      sync.Mutex
	records map[string]idempotency.Record
}

var (
	_ idempotency.Store  = (*IdempotencyStore)(nil)
	_ idempotency.Purger = (*IdempotencyStore)(nil)
)

// NewIdempotencyStore returns an empty store.
func NewIdempotencyStore() *IdempotencyStore {
	return &IdempotencyStore{records: make(map[string]idempotency.Record)}
}

// Insert implements idempotency.Store.
func (s *IdempotencyStore) Insert(_ context.Context, rec idempotency.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.Key]; ok {
		return idempotency.ErrKeyExists
	}
	s.records[rec.Key] = rec

	return nil
}

// Get implements idempotency.Store.
func (s *IdempotencyStore) Get(_ context.Context, key string) (idempotency.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return idempotency.Record{}, idempotency.ErrNotFound
	}

	return rec, nil
}

// Complete implements idempotency.Store.
func (s *IdempotencyStore) Complete(_ context.Context, key string, response []byte, at time.Time) error {
	return s.finish(key, func(rec *idempotency.Record) {
		rec.Status = idempotency.StatusCompleted
		rec.Response = append([]byte(nil), response...)
		rec.LastError = ""
		rec.UpdatedAt = at
	})
}

// Fail implements idempotency.Store.
func (s *IdempotencyStore) Fail(_ context.Context, key, lastErr string, at time.Time) error {
	return s.finish(key, func(rec *idempotency.Record) {
		rec.Status = idempotency.StatusFailed
		rec.LastError = lastErr
		rec.UpdatedAt = at
	})
}

// Acquire implements idempotency.Store.
func (s *IdempotencyStore) Acquire(_ context.Context, req idempotency.AcquireRequest) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[req.Key]
	if !ok {
		return false, nil
	}
	takeover := rec.Status == idempotency.StatusFailed ||
		!rec.ExpiresAt.After(req.Now) ||
		(rec.Status == idempotency.StatusInProgress && !rec.UpdatedAt.After(req.StaleBefore))
	if !takeover {
		return false, nil
	}

	s.records[req.Key] = idempotency.Record{
		Key:                req.Key,
		RequestFingerprint: req.Fingerprint,
		Status:             idempotency.StatusInProgress,
		CreatedAt:          rec.CreatedAt,
		UpdatedAt:          req.Now,
		ExpiresAt:          req.ExpiresAt,
	}

	return true, nil
}

// PurgeExpired implements idempotency.Purger.
func (s *IdempotencyStore) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, rec := range s.records {
		if !rec.ExpiresAt.After(now) {
			delete(s.records, key)
			n++
		}
	}

	return n, nil
}

func (s *IdempotencyStore) finish(key string, apply func(*idempotency.Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return idempotency.ErrNotFound
	}
	if rec.Status != idempotency.StatusInProgress {
		return idempotency.ErrNotInProgress
	}
	apply(&rec)
	s.records[key] = rec

	return nil
}
