// Package redisstream is a transport on Redis Streams.
//
// Publish appends to one of N streams chosen by hashing the partition key, so a
// key always maps to the same stream and keeps its order. Receive reads through a
// consumer group. Nack leaves the entry pending; entries idle longer than MinIdle
// are claimed again by any consumer of the group.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	r "github.com/redis/go-redis/v9"

	"github.com/velmie/courier"
	"github.com/velmie/courier/transport"
)

const (
	defaultPrefix        = "courier:stream"
	defaultPartitions    = 8
	defaultGroup         = "courier"
	defaultBlock         = time.Second
	defaultMinIdle       = 30 * time.Second
	defaultClaimInterval = 5 * time.Second
	defaultBatch         = 16

	fieldKey     = "key"
	fieldPayload = "payload"
)

var (
	// ErrClientRequired is returned when a nil client is provided.
	ErrClientRequired = errors.New("redisstream: client is required")
	// ErrInvalidHandle is returned when acking a handle from another transport.
	ErrInvalidHandle = errors.New("redisstream: invalid delivery handle")
)

// Config controls stream names and consumer group behavior.
type Config struct {
	// Prefix names the streams <Prefix>:<n>.
	Prefix string
	// Partitions is the number of streams.
	Partitions int
	// Group is the consumer group name.
	Group string
	// Consumer names this consumer within the group. Defaults to a random id.
	Consumer string
	// Block bounds one XREADGROUP wait.
	Block time.Duration
	// MinIdle is how long an unacknowledged entry stays pending before it is reclaimed.
	MinIdle time.Duration
	// ClaimInterval is how often pending entries are scanned.
	ClaimInterval time.Duration
	// Batch caps entries fetched per read or claim.
	Batch int
	// MaxLen trims streams approximately to this length. Zero disables trimming.
	MaxLen int64
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = defaultPrefix
	}
	if c.Partitions <= 0 {
		c.Partitions = defaultPartitions
	}
	if c.Group == "" {
		c.Group = defaultGroup
	}
	if c.Consumer == "" {
		c.Consumer = "consumer-" + courier.NewID().String()
	}
	if c.Block <= 0 {
		c.Block = defaultBlock
	}
	if c.MinIdle < 0 {
		c.MinIdle = 0
	} else if c.MinIdle == 0 {
		c.MinIdle = defaultMinIdle
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = defaultClaimInterval
	}
	if c.Batch <= 0 {
		c.Batch = defaultBatch
	}

	return c
}

type handle struct {
	stream string
	id     string
}

// Transport implements transport.Transport on Redis Streams.
type Transport struct {
	client  r.UniversalClient
	cfg     Config
	streams []string

	mu        sync.Mutex
	groupsOK  bool
	buffer    []transport.Delivery
	lastClaim time.Time
}

var _ transport.Transport = (*Transport)(nil)

// New creates a transport.
func New(client r.UniversalClient, cfg Config) (*Transport, error) {
	if client == nil {
		return nil, ErrClientRequired
	}
	cfg = cfg.withDefaults()

	streams := make([]string, cfg.Partitions)
	for i := range streams {
		streams[i] = cfg.Prefix + ":" + strconv.Itoa(i)
	}

	return &Transport{client: client, cfg: cfg, streams: streams}, nil
}

// StreamFor returns the stream that carries partitionKey.
func (t *Transport) StreamFor(partitionKey string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(partitionKey))

	return t.streams[h.Sum32()%uint32(len(t.streams))]
}

// Publish implements transport.Publisher. Broker errors are transient.
func (t *Transport) Publish(ctx context.Context, partitionKey string, payload []byte) error {
	args := &r.XAddArgs{
		Stream: t.StreamFor(partitionKey),
		Values: map[string]any{fieldKey: partitionKey, fieldPayload: payload},
	}
	if t.cfg.MaxLen > 0 {
		args.MaxLen = t.cfg.MaxLen
		args.Approx = true
	}
	if err := t.client.XAdd(ctx, args).Err(); err != nil {
		return courier.Transient(fmt.Errorf("redisstream: xadd failed: %w", err))
	}

	return nil
}

// Receive implements transport.Receiver.
func (t *Transport) Receive(ctx context.Context) (transport.Delivery, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureGroups(ctx); err != nil {
		return transport.Delivery{}, err
	}

	for {
		if len(t.buffer) > 0 {
			d := t.buffer[0]
			t.buffer = t.buffer[1:]

			return d, nil
		}
		if err := ctx.Err(); err != nil {
			return transport.Delivery{}, err
		}

		if time.Since(t.lastClaim) >= t.cfg.ClaimInterval {
			t.lastClaim = time.Now()
			if err := t.claimStale(ctx); err != nil {
				return transport.Delivery{}, err
			}
			if len(t.buffer) > 0 {
				continue
			}
		}

		if err := t.read(ctx); err != nil {
			return transport.Delivery{}, err
		}
	}
}

// Ack implements transport.Receiver.
func (t *Transport) Ack(ctx context.Context, h transport.AckHandle) error {
	hd, ok := h.(handle)
	if !ok {
		return ErrInvalidHandle
	}
	if err := t.client.XAck(ctx, hd.stream, t.cfg.Group, hd.id).Err(); err != nil {
		return fmt.Errorf("redisstream: xack failed: %w", err)
	}

	return nil
}

// Nack implements transport.Receiver. The entry stays pending and is claimed
// again once idle for MinIdle.
func (t *Transport) Nack(_ context.Context, h transport.AckHandle) error {
	if _, ok := h.(handle); !ok {
		return ErrInvalidHandle
	}

	return nil
}

func (t *Transport) ensureGroups(ctx context.Context) error {
	if t.groupsOK {
		return nil
	}
	for _, stream := range t.streams {
		err := t.client.XGroupCreateMkStream(ctx, stream, t.cfg.Group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("redisstream: create group on %s failed: %w", stream, err)
		}
	}
	t.groupsOK = true

	return nil
}

func (t *Transport) read(ctx context.Context) error {
	streams := make([]string, 0, len(t.streams)*2)
	streams = append(streams, t.streams...)
	for range t.streams {
		streams = append(streams, ">")
	}

	res, err := t.client.XReadGroup(ctx, &r.XReadGroupArgs{
		Group:    t.cfg.Group,
		Consumer: t.cfg.Consumer,
		Streams:  streams,
		Count:    int64(t.cfg.Batch),
		Block:    t.cfg.Block,
	}).Result()
	if errors.Is(err, r.Nil) {
		return nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		return fmt.Errorf("redisstream: xreadgroup failed: %w", err)
	}

	for _, stream := range res {
		t.buffer = appendDeliveries(t.buffer, stream.Stream, stream.Messages, nil)
	}

	return nil
}

func (t *Transport) claimStale(ctx context.Context) error {
	for _, stream := range t.streams {
		pending, err := t.client.XPendingExt(ctx, &r.XPendingExtArgs{
			Stream: stream,
			Group:  t.cfg.Group,
			Start:  "-",
			End:    "+",
			Count:  int64(t.cfg.Batch),
		}).Result()
		if err != nil {
			return fmt.Errorf("redisstream: xpending failed: %w", err)
		}

		ids := make([]string, 0, len(pending))
		counts := make(map[string]int, len(pending))
		for _, p := range pending {
			if p.Idle >= t.cfg.MinIdle {
				ids = append(ids, p.ID)
				// XCLAIM counts as one more delivery
				counts[p.ID] = int(p.RetryCount) + 1
			}
		}
		if len(ids) == 0 {
			continue
		}

		msgs, err := t.client.XClaim(ctx, &r.XClaimArgs{
			Stream:   stream,
			Group:    t.cfg.Group,
			Consumer: t.cfg.Consumer,
			MinIdle:  t.cfg.MinIdle,
			Messages: ids,
		}).Result()
		if err != nil {
			return fmt.Errorf("redisstream: xclaim failed: %w", err)
		}
		t.buffer = appendDeliveries(t.buffer, stream, msgs, counts)
	}

	return nil
}

// appendDeliveries buffers msgs. Entries missing from counts are first deliveries.
func appendDeliveries(buf []transport.Delivery, stream string, msgs []r.XMessage, counts map[string]int) []transport.Delivery {
	for _, msg := range msgs {
		deliveries, ok := counts[msg.ID]
		if !ok {
			deliveries = 1
		}
		payload, ok := msg.Values[fieldPayload].(string)
		if !ok {
			// deleted or foreign entries still need settling, so deliver them empty
			payload = ""
		}
		buf = append(buf, transport.Delivery{
			MessageID:  stream + "/" + msg.ID,
			Payload:    []byte(payload),
			Handle:     handle{stream: stream, id: msg.ID},
			Deliveries: deliveries,
		})
	}

	return buf
}
