package inbox_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velmie/courier/inbox"
	"github.com/velmie/courier/internal/clocktest"
	"github.com/velmie/courier/memory"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestTryBeginProcessingOutcomes(t *testing.T) {
	store := memory.NewInboxStore()
	clock := clocktest.New(epoch)
	a := inbox.NewDeduplicator(store, inbox.WithOwner("a"), inbox.WithClock(clock), inbox.WithClaimLease(time.Minute))
	b := inbox.NewDeduplicator(store, inbox.WithOwner("b"), inbox.WithClock(clock), inbox.WithClaimLease(time.Minute))
	ctx := context.Background()

	outcome, err := a.TryBeginProcessing(ctx, "m1", "billing")
	require.NoError(t, err)
	assert.Equal(t, inbox.OutcomeNew, outcome)

	outcome, err = b.TryBeginProcessing(ctx, "m1", "billing")
	require.NoError(t, err)
	assert.Equal(t, inbox.OutcomeInFlight, outcome)

	outcome, err = b.TryBeginProcessing(ctx, "m1", "shipping")
	require.NoError(t, err)
	assert.Equal(t, inbox.OutcomeNew, outcome, "consumers are deduplicated independently")

	require.NoError(t, a.MarkProcessed(ctx, "m1", "billing", []byte("fp")))

	outcome, err = b.TryBeginProcessing(ctx, "m1", "billing")
	require.NoError(t, err)
	assert.Equal(t, inbox.OutcomeDuplicate, outcome)

	rec, err := store.Get(ctx, "m1", "billing")
	require.NoError(t, err)
	assert.True(t, rec.Processed())
	assert.Equal(t, []byte("fp"), rec.ResultFingerprint)
	assert.Equal(t, epoch, rec.ProcessedAt)
}

func TestExpiredClaimIsTakenOver(t *testing.T) {
	store := memory.NewInboxStore()
	clock := clocktest.New(epoch)
	a := inbox.NewDeduplicator(store, inbox.WithOwner("a"), inbox.WithClock(clock), inbox.WithClaimLease(time.Minute))
	b := inbox.NewDeduplicator(store, inbox.WithOwner("b"), inbox.WithClock(clock), inbox.WithClaimLease(time.Minute))
	ctx := context.Background()

	_, err := a.TryBeginProcessing(ctx, "m1", "billing")
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	outcome, err := b.TryBeginProcessing(ctx, "m1", "billing")
	require.NoError(t, err)
	assert.Equal(t, inbox.OutcomeNew, outcome)

	// The stale owner cannot drop b's claim.
	require.NoError(t, a.Abandon(ctx, "m1", "billing"))
	rec, err := store.Get(ctx, "m1", "billing")
	require.NoError(t, err)
	assert.Equal(t, "b", rec.ClaimedBy)
}

func TestProcessAbandonsClaimOnHandlerError(t *testing.T) {
	store := memory.NewInboxStore()
	dedup := inbox.NewDeduplicator(store)
	ctx := context.Background()
	msg := inbox.Message{ID: "m1", Type: "order.created"}
	boom := errors.New("boom")

	outcome, err := dedup.Process(ctx, "billing", msg, inbox.HandlerFunc(func(context.Context, inbox.Message) ([]byte, error) {
		return nil, boom
	}))
	require.ErrorIs(t, err, boom)
	assert.Equal(t, inbox.OutcomeNew, outcome)

	_, err = store.Get(ctx, "m1", "billing")
	require.ErrorIs(t, err, inbox.ErrNotFound)

	var runs int
	outcome, err = dedup.Process(ctx, "billing", msg, inbox.HandlerFunc(func(context.Context, inbox.Message) ([]byte, error) {
		runs++
		return nil, nil
	}))
	require.NoError(t, err)
	assert.Equal(t, inbox.OutcomeNew, outcome)
	assert.Equal(t, 1, runs)
}

func TestValidation(t *testing.T) {
	dedup := inbox.NewDeduplicator(memory.NewInboxStore())

	_, err := dedup.TryBeginProcessing(context.Background(), "", "")
	require.ErrorIs(t, err, inbox.ErrMessageIDRequired)
	require.ErrorIs(t, err, inbox.ErrConsumerRequired)
}

// Redelivering the same message 1..50 times from concurrent consumer instances must
// produce exactly one business effect.
func TestConcurrentRedeliveryHasSingleEffect(t *testing.T) {
	for n := 1; n <= 50; n++ {
		t.Run(fmt.Sprintf("deliveries=%d", n), func(t *testing.T) {
			store := memory.NewInboxStore()
			var effects atomic.Int32
			handler := inbox.HandlerFunc(func(context.Context, inbox.Message) ([]byte, error) {
				effects.Add(1)
				return nil, nil
			})
			msg := inbox.Message{ID: "m-" + fmt.Sprint(n), Type: "order.created"}

			pending := n
			for pending > 0 {
				var wg sync.WaitGroup
				var inFlight atomic.Int32
				for i := 0; i < pending; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						dedup := inbox.NewDeduplicator(store, inbox.WithOwner(fmt.Sprintf("instance-%d", i)))
						outcome, err := dedup.Process(context.Background(), "billing", msg, handler)
						if err != nil {
							t.Error(err)
						}
						if outcome == inbox.OutcomeInFlight {
							inFlight.Add(1)
						}
					}()
				}
				wg.Wait()
				// In-flight deliveries were nacked; the broker delivers them again.
				pending = int(inFlight.Load())
			}

			assert.Equal(t, int32(1), effects.Load())
		})
	}
}
