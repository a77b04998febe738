// Package memtransport is an in-process transport with at-least-once semantics.
//
// Published messages are queued per transport; Nack puts a delivery back at the tail of
// the queue and Redeliver duplicates acknowledged messages to simulate broker redelivery.
package memtransport

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/velmie/courier/transport"
)

// ErrUnknownHandle is returned when acking an unknown or settled delivery.
var ErrUnknownHandle = errors.New("memtransport: unknown delivery handle")

// Message is a published message as seen by tests.
type Message struct {
	PartitionKey string
	Payload      []byte
}

type inflight struct {
	seq        uint64
	msg        Message
	deliveries int
}

// Transport is an in-memory transport.Transport.
type Transport struct {
	mu        sync.Mutex
	cond      chan struct{}
	queue     []inflight
	unacked   map[uint64]inflight
	published []Message
	acked     []Message
	seq       uint64
	failNext  []error
}

var _ transport.Transport = (*Transport)(nil)

// New constructs an empty transport.
func New() *Transport {
	return &Transport{
		cond:    make(chan struct{}),
		unacked: make(map[uint64]inflight),
	}
}

// FailNext makes the next len(errs) Publish calls return the given errors in order.
func (t *Transport) FailNext(errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failNext = append(t.failNext, errs...)
}

// Publish implements transport.Publisher.
func (t *Transport) Publish(ctx context.Context, partitionKey string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.failNext) > 0 {
		err := t.failNext[0]
		t.failNext = t.failNext[1:]
		if err != nil {
			return err
		}
	}

	msg := Message{PartitionKey: partitionKey, Payload: append([]byte(nil), payload...)}
	t.published = append(t.published, msg)
	t.enqueueLocked(msg)

	return nil
}

// Receive implements transport.Receiver.
func (t *Transport) Receive(ctx context.Context) (transport.Delivery, error) {
	for {
		t.mu.Lock()
		if len(t.queue) > 0 {
			item := t.queue[0]
			t.queue = t.queue[1:]
			item.deliveries++
			t.unacked[item.seq] = item
			t.mu.Unlock()

			return transport.Delivery{
				MessageID:  strconv.FormatUint(item.seq, 10),
				Payload:    item.msg.Payload,
				Handle:     item.seq,
				Deliveries: item.deliveries,
			}, nil
		}
		wait := t.cond
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return transport.Delivery{}, ctx.Err()
		case <-wait:
		}
	}
}

// Ack implements transport.Receiver.
func (t *Transport) Ack(_ context.Context, handle transport.AckHandle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	item, err := t.settleLocked(handle)
	if err != nil {
		return err
	}
	t.acked = append(t.acked, item.msg)

	return nil
}

// Nack implements transport.Receiver. The message is redelivered with a new id and
// its delivery count kept.
func (t *Transport) Nack(_ context.Context, handle transport.AckHandle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	item, err := t.settleLocked(handle)
	if err != nil {
		return err
	}
	t.requeueLocked(item)

	return nil
}

// Redeliver re-enqueues every message published so far, simulating a broker replay.
func (t *Transport) Redeliver() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, msg := range t.published {
		t.enqueueLocked(msg)
	}
}

// Published returns a copy of every successfully published message in order.
func (t *Transport) Published() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]Message(nil), t.published...)
}

// Acked returns a copy of acknowledged deliveries in order.
func (t *Transport) Acked() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]Message(nil), t.acked...)
}

// Pending returns the number of queued and unacknowledged deliveries.
func (t *Transport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.queue) + len(t.unacked)
}

func (t *Transport) enqueueLocked(msg Message) {
	t.requeueLocked(inflight{msg: msg})
}

func (t *Transport) requeueLocked(item inflight) {
	t.seq++
	item.seq = t.seq
	t.queue = append(t.queue, item)
	close(t.cond)
	t.cond = make(chan struct{})
}

func (t *Transport) settleLocked(handle transport.AckHandle) (inflight, error) {
	seq, ok := handle.(uint64)
	if !ok {
		return inflight{}, ErrUnknownHandle
	}
	item, ok := t.unacked[seq]
	if !ok {
		return inflight{}, ErrUnknownHandle
	}
	delete(t.unacked, seq)

	return item, nil
}
