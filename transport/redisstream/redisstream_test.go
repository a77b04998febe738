package redisstream_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velmie/courier"
	"github.com/velmie/courier/transport/redisstream"
)

func newTransport(t *testing.T, cfg redisstream.Config) (*redisstream.Transport, *r.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	tr, err := redisstream.New(client, cfg)
	require.NoError(t, err)

	return tr, client
}

func TestNewRequiresClient(t *testing.T) {
	_, err := redisstream.New(nil, redisstream.Config{})
	require.ErrorIs(t, err, redisstream.ErrClientRequired)
}

func TestStreamForIsStable(t *testing.T) {
	tr, _ := newTransport(t, redisstream.Config{Prefix: "s", Partitions: 4})

	first := tr.StreamFor("order-1")
	assert.Equal(t, first, tr.StreamFor("order-1"))
	assert.Contains(t, []string{"s:0", "s:1", "s:2", "s:3"}, first)
}

func TestPublishReceiveAckKeepsKeyOrder(t *testing.T) {
	tr, client := newTransport(t, redisstream.Config{Partitions: 2, Block: 50 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, tr.Publish(ctx, "acct", []byte("a")))
	require.NoError(t, tr.Publish(ctx, "acct", []byte("b")))

	first, err := tr.Receive(ctx)
	require.NoError(t, err)
	second, err := tr.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", string(first.Payload))
	assert.Equal(t, "b", string(second.Payload))

	require.NoError(t, tr.Ack(ctx, first.Handle))
	require.NoError(t, tr.Ack(ctx, second.Handle))

	pending, err := client.XPending(ctx, tr.StreamFor("acct"), "courier").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestNackedEntryIsReclaimedAfterMinIdle(t *testing.T) {
	tr, _ := newTransport(t, redisstream.Config{
		Partitions:    1,
		Block:         20 * time.Millisecond,
		MinIdle:       -1,
		ClaimInterval: time.Nanosecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, tr.Publish(ctx, "k", []byte("x")))

	first, err := tr.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Deliveries)
	require.NoError(t, tr.Nack(ctx, first.Handle))

	again, err := tr.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.MessageID, again.MessageID)
	assert.Equal(t, 2, again.Deliveries)
	assert.Equal(t, "x", string(again.Payload))
	require.NoError(t, tr.Ack(ctx, again.Handle))
}

func TestNackedEntryWaitsForMinIdle(t *testing.T) {
	tr, _ := newTransport(t, redisstream.Config{
		Partitions: 1,
		Block:      20 * time.Millisecond,
		MinIdle:    time.Hour,
	})
	ctx := context.Background()

	require.NoError(t, tr.Publish(ctx, "k", []byte("x")))
	d, err := tr.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, tr.Nack(ctx, d.Handle))

	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = tr.Receive(short)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInvalidHandle(t *testing.T) {
	tr, _ := newTransport(t, redisstream.Config{})
	ctx := context.Background()

	require.ErrorIs(t, tr.Ack(ctx, "nope"), redisstream.ErrInvalidHandle)
	require.ErrorIs(t, tr.Nack(ctx, 42), redisstream.ErrInvalidHandle)
}

func TestPublishFailureIsTransient(t *testing.T) {
	mr := miniredis.RunT(t)
	client := r.NewClient(&r.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	tr, err := redisstream.New(client, redisstream.Config{})
	require.NoError(t, err)

	mr.Close()
	err = tr.Publish(context.Background(), "k", []byte("x"))
	require.Error(t, err)
	assert.True(t, courier.IsTransient(err))
}
