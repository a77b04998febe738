package redis

import (
	"context"
	"fmt"
	"time"

	r "github.com/redis/go-redis/v9"

	"github.com/velmie/courier/inbox"
)

// Claim script replies.
const (
	claimNew       = 1
	claimDuplicate = 2
	claimInFlight  = 3
)

// KEYS[1] record; ARGV owner, now, lease until, ttl ms
var claimScript = r.NewScript(`
local rec = redis.call('HMGET', KEYS[1], 'processed', 'until')
if rec[1] then
	return 2
end
if rec[2] and tonumber(rec[2]) >= tonumber(ARGV[2]) then
	return 3
end
redis.call('HSET', KEYS[1], 'owner', ARGV[1], 'until', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// KEYS[1] record; ARGV processed at, fingerprint, ttl ms
var markProcessedScript = r.NewScript(`
if redis.call('HEXISTS', KEYS[1], 'processed') == 1 then
	return 0
end
redis.call('HDEL', KEYS[1], 'owner', 'until')
redis.call('HSET', KEYS[1], 'processed', ARGV[1], 'fp', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// KEYS[1] record; ARGV owner
var releaseScript = r.NewScript(`
local rec = redis.call('HMGET', KEYS[1], 'processed', 'owner')
if rec[1] or rec[2] ~= ARGV[1] then
	return 0
end
return redis.call('DEL', KEYS[1])
`)

// InboxStore implements inbox.Store on Redis. Records live under
// <prefix><consumer>:<message id> and expire after the configured retention.
type InboxStore struct {
	client r.UniversalClient
	cfg    Config
}

var _ inbox.Store = (*InboxStore)(nil)

// NewInboxStore creates a store. Keys default to the courier:inbox: prefix.
func NewInboxStore(client r.UniversalClient, opts ...Option) (*InboxStore, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	return &InboxStore{client: client, cfg: newConfig(defaultInboxPrefix, opts)}, nil
}

func (s *InboxStore) key(messageID, consumer string) string {
	return s.cfg.Prefix + consumer + ":" + messageID
}

// Claim implements inbox.Store.
func (s *InboxStore) Claim(ctx context.Context, req inbox.ClaimRequest) (inbox.Outcome, error) {
	ttl := req.LeaseUntil.Sub(req.Now) + s.cfg.Retention
	res, err := claimScript.Run(ctx, s.client, []string{s.key(req.MessageID, req.Consumer)},
		req.Owner,
		micros(req.Now),
		micros(req.LeaseUntil),
		ttlMillis(ttl),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("courier redis: inbox claim failed: %w", err)
	}

	switch res {
	case claimNew:
		return inbox.OutcomeNew, nil
	case claimDuplicate:
		return inbox.OutcomeDuplicate, nil
	case claimInFlight:
		return inbox.OutcomeInFlight, nil
	default:
		return 0, fmt.Errorf("%w: %d", errUnexpectedReply, res)
	}
}

// MarkProcessed implements inbox.Store.
func (s *InboxStore) MarkProcessed(ctx context.Context, messageID, consumer string, fingerprint []byte, at time.Time) error {
	err := markProcessedScript.Run(ctx, s.client, []string{s.key(messageID, consumer)},
		micros(at),
		string(fingerprint),
		ttlMillis(s.cfg.Retention),
	).Err()
	if err != nil {
		return fmt.Errorf("courier redis: inbox mark processed failed: %w", err)
	}

	return nil
}

// Release implements inbox.Store.
func (s *InboxStore) Release(ctx context.Context, messageID, consumer, owner string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.key(messageID, consumer)}, owner).Err(); err != nil {
		return fmt.Errorf("courier redis: inbox release failed: %w", err)
	}

	return nil
}

// Get implements inbox.Store.
func (s *InboxStore) Get(ctx context.Context, messageID, consumer string) (inbox.Record, error) {
	fields, err := s.client.HGetAll(ctx, s.key(messageID, consumer)).Result()
	if err != nil {
		return inbox.Record{}, fmt.Errorf("courier redis: inbox get failed: %w", err)
	}
	if len(fields) == 0 {
		return inbox.Record{}, inbox.ErrNotFound
	}

	rec := inbox.Record{
		MessageID:    messageID,
		ConsumerName: consumer,
		ProcessedAt:  fromMicros(parseInt(fields["processed"])),
		ClaimedBy:    fields["owner"],
		ClaimedUntil: fromMicros(parseInt(fields["until"])),
	}
	if fp, ok := fields["fp"]; ok {
		rec.ResultFingerprint = []byte(fp)
	}

	return rec, nil
}

// Prune implements inbox.Store. Redis expires records on its own, so there is
// nothing to delete.
func (s *InboxStore) Prune(context.Context, time.Time) (int, error) {
	return 0, nil
}
