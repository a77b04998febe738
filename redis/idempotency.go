package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	r "github.com/redis/go-redis/v9"

	"github.com/velmie/courier/idempotency"
)

// Hash fields of an idempotency record.
const (
	fieldFingerprint = "fp"
	fieldStatus      = "status"
	fieldResponse    = "resp"
	fieldLastError   = "err"
	fieldCreated     = "created"
	fieldUpdated     = "updated"
	fieldExpires     = "expires"
)

// KEYS[1] record; ARGV fp, status, created, updated, expires, ttl ms
var insertScript = r.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'fp', ARGV[1], 'status', ARGV[2], 'created', ARGV[3], 'updated', ARGV[4], 'expires', ARGV[5])
redis.call('PEXPIRE', KEYS[1], ARGV[6])
return 1
`)

// KEYS[1] record; ARGV target status, field name, field value, updated
var finishScript = r.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
	return -1
end
if status ~= '0' then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], ARGV[2], ARGV[3], 'updated', ARGV[4])
if ARGV[2] == 'resp' then
	redis.call('HDEL', KEYS[1], 'err')
end
return 1
`)

// KEYS[1] record; ARGV fp, now, expires, stale before, ttl ms
var acquireScript = r.NewScript(`
local rec = redis.call('HMGET', KEYS[1], 'status', 'updated', 'expires')
if not rec[1] then
	return 0
end
local now = tonumber(ARGV[2])
local takeover = rec[1] == '2' or tonumber(rec[3]) <= now or (rec[1] == '0' and tonumber(rec[2]) <= tonumber(ARGV[4]))
if not takeover then
	return 0
end
redis.call('HDEL', KEYS[1], 'resp', 'err')
redis.call('HSET', KEYS[1], 'fp', ARGV[1], 'status', '0', 'updated', ARGV[2], 'expires', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

// IdempotencyStore implements idempotency.Store on Redis. Keys expire at the
// record's ExpiresAt, so a stale key reads as absent.
type IdempotencyStore struct {
	client r.UniversalClient
	cfg    Config
}

var _ idempotency.Store = (*IdempotencyStore)(nil)

// NewIdempotencyStore creates a store. Keys default to the courier:idem: prefix.
func NewIdempotencyStore(client r.UniversalClient, opts ...Option) (*IdempotencyStore, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	return &IdempotencyStore{client: client, cfg: newConfig(defaultIdempotencyPrefix, opts)}, nil
}

func (s *IdempotencyStore) key(key string) string {
	return s.cfg.Prefix + key
}

// Insert implements idempotency.Store.
func (s *IdempotencyStore) Insert(ctx context.Context, rec idempotency.Record) error {
	ok, err := insertScript.Run(ctx, s.client, []string{s.key(rec.Key)},
		rec.RequestFingerprint,
		int(rec.Status),
		micros(rec.CreatedAt),
		micros(rec.UpdatedAt),
		micros(rec.ExpiresAt),
		ttlMillis(rec.ExpiresAt.Sub(rec.UpdatedAt)),
	).Int()
	if err != nil {
		return fmt.Errorf("courier redis: idempotency insert failed: %w", err)
	}
	if ok == 0 {
		return idempotency.ErrKeyExists
	}

	return nil
}

// Get implements idempotency.Store.
func (s *IdempotencyStore) Get(ctx context.Context, key string) (idempotency.Record, error) {
	fields, err := s.client.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return idempotency.Record{}, fmt.Errorf("courier redis: idempotency get failed: %w", err)
	}
	if len(fields) == 0 {
		return idempotency.Record{}, idempotency.ErrNotFound
	}

	status, err := strconv.Atoi(fields[fieldStatus])
	if err != nil {
		return idempotency.Record{}, fmt.Errorf("courier redis: corrupt status for %q: %w", key, err)
	}
	rec := idempotency.Record{
		Key:                key,
		RequestFingerprint: fields[fieldFingerprint],
		Status:             idempotency.Status(status),
		LastError:          fields[fieldLastError],
		CreatedAt:          fromMicros(parseInt(fields[fieldCreated])),
		UpdatedAt:          fromMicros(parseInt(fields[fieldUpdated])),
		ExpiresAt:          fromMicros(parseInt(fields[fieldExpires])),
	}
	if resp, ok := fields[fieldResponse]; ok {
		rec.Response = []byte(resp)
	}

	return rec, nil
}

// Complete implements idempotency.Store.
func (s *IdempotencyStore) Complete(ctx context.Context, key string, response []byte, at time.Time) error {
	return s.finish(ctx, key, idempotency.StatusCompleted, fieldResponse, string(response), at)
}

// Fail implements idempotency.Store.
func (s *IdempotencyStore) Fail(ctx context.Context, key, lastErr string, at time.Time) error {
	return s.finish(ctx, key, idempotency.StatusFailed, fieldLastError, lastErr, at)
}

// Acquire implements idempotency.Store.
func (s *IdempotencyStore) Acquire(ctx context.Context, req idempotency.AcquireRequest) (bool, error) {
	ok, err := acquireScript.Run(ctx, s.client, []string{s.key(req.Key)},
		req.Fingerprint,
		micros(req.Now),
		micros(req.ExpiresAt),
		micros(req.StaleBefore),
		ttlMillis(req.ExpiresAt.Sub(req.Now)),
	).Int()
	if err != nil {
		return false, fmt.Errorf("courier redis: idempotency acquire failed: %w", err)
	}

	return ok == 1, nil
}

func (s *IdempotencyStore) finish(ctx context.Context, key string, status idempotency.Status, field, value string, at time.Time) error {
	res, err := finishScript.Run(ctx, s.client, []string{s.key(key)}, int(status), field, value, micros(at)).Int()
	if err != nil {
		return fmt.Errorf("courier redis: idempotency update failed: %w", err)
	}
	switch res {
	case -1:
		return idempotency.ErrNotFound
	case 0:
		return idempotency.ErrNotInProgress
	default:
		return nil
	}
}

func parseInt(v string) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}

	return n
}

var errUnexpectedReply = errors.New("courier redis: unexpected script reply")
