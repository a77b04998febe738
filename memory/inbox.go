package memory

import (
	"context"
	"sync"
	"time"

	"github.com/velmie/courier/inbox"
)

type inboxKey struct {
	messageID string
	consumer  string
}

// InboxStore is an in-memory inbox.
type InboxStore struct {
	mu      sync.Mutex
	records map[inboxKey]inbox.Record
}

var _ inbox.Store = (*InboxStore)(nil)

// NewInboxStore returns an empty store.
func NewInboxStore() *InboxStore {
	return &InboxStore{records: make(map[inboxKey]inbox.Record)}
}

// Claim implements inbox.Store.
func (s *InboxStore) Claim(_ context.Context, req inbox.ClaimRequest) (inbox.Outcome, error) {
	key := inboxKey{messageID: req.MessageID, consumer: req.Consumer}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok {
		if rec.Processed() {
			return inbox.OutcomeDuplicate, nil
		}
		if !rec.ClaimedUntil.Before(req.Now) {
			return inbox.OutcomeInFlight, nil
		}
	}

	s.records[key] = inbox.Record{
		MessageID:    req.MessageID,
		ConsumerName: req.Consumer,
		ClaimedBy:    req.Owner,
		ClaimedUntil: req.LeaseUntil,
	}

	return inbox.OutcomeNew, nil
}

// MarkProcessed implements inbox.Store.
func (s *InboxStore) MarkProcessed(_ context.Context, messageID, consumer string, fingerprint []byte, at time.Time) error {
	key := inboxKey{messageID: messageID, consumer: consumer}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.records[key]
	if rec.Processed() {
		return nil
	}
	rec.MessageID = messageID
	rec.ConsumerName = consumer
	rec.ProcessedAt = at
	rec.ResultFingerprint = append([]byte(nil), fingerprint...)
	rec.ClaimedBy = ""
	rec.ClaimedUntil = time.Time{}
	s.records[key] = rec

	return nil
}

// Release implements inbox.Store.
func (s *InboxStore) Release(_ context.Context, messageID, consumer, owner string) error {
	key := inboxKey{messageID: messageID, consumer: consumer}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok && !rec.Processed() && rec.ClaimedBy == owner {
		delete(s.records, key)
	}

	return nil
}

// Get implements inbox.Store.
func (s *InboxStore) Get(_ context.Context, messageID, consumer string) (inbox.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[inboxKey{messageID: messageID, consumer: consumer}]
	if !ok {
		return inbox.Record{}, inbox.ErrNotFound
	}

	return rec, nil
}

// Prune implements inbox.Store.
func (s *InboxStore) Prune(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, rec := range s.records {
		if rec.Processed() && rec.ProcessedAt.Before(before) {
			delete(s.records, key)
			n++
		}
	}

	return n, nil
}
