//go:build integration

package mysql_test

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/velmie/courier/deadletter"
	"github.com/velmie/courier/idempotency"
	"github.com/velmie/courier/inbox"
	"github.com/velmie/courier/mysql"
	"github.com/velmie/courier/outbox"
	"github.com/velmie/courier/retry"
	"github.com/velmie/courier/saga"
	"github.com/velmie/courier/transport/memtransport"
)

func TestOutboxRelayIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	db := startMySQL(t, ctx)

	store, err := mysql.NewOutboxStore(db)
	require.NoError(t, err)

	appendEntries(t, ctx, db, store,
		outbox.Entry{AggregateKey: "order:1", EventType: "order.created", Payload: []byte(`{"n":1}`)},
		outbox.Entry{AggregateKey: "order:1", EventType: "order.paid", Payload: []byte(`{"n":2}`)},
		outbox.Entry{AggregateKey: "order:2", EventType: "order.created", Payload: []byte(`{"n":3}`)},
	)

	pub := memtransport.New()
	relay := outbox.NewRelay(store, pub, outbox.WithBatchSize(10))

	for i := 0; i < 3; i++ {
		_, err := relay.ProcessOnce(ctx)
		require.NoError(t, err)
	}

	published := pub.Published()
	require.Len(t, published, 3)
	require.Equal(t, "order:1", published[0].PartitionKey)
	require.Contains(t, string(published[0].Payload), "order.created")
	require.Contains(t, string(published[1].Payload), "order.created")
	require.Contains(t, string(published[2].Payload), "order.paid")

	pending, err := store.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)
}

func TestOutboxClaimHeadOfAggregateIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	db := startMySQL(t, ctx)

	store, err := mysql.NewOutboxStore(db)
	require.NoError(t, err)

	appendEntries(t, ctx, db, store,
		outbox.Entry{AggregateKey: "a", EventType: "e1", Payload: []byte("1")},
		outbox.Entry{AggregateKey: "a", EventType: "e2", Payload: []byte("2")},
		outbox.Entry{AggregateKey: "b", EventType: "e3", Payload: []byte("3")},
	)

	now := time.Now().UTC()
	first, err := store.Claim(ctx, outbox.ClaimRequest{WorkerID: "w1", Limit: 10, Now: now, LeaseUntil: now.Add(time.Minute)})
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.Equal(t, "e1", first[0].EventType)
	require.Equal(t, "e3", first[1].EventType)

	// e2 stays blocked while e1 is claimed by another worker.
	second, err := store.Claim(ctx, outbox.ClaimRequest{WorkerID: "w2", Limit: 10, Now: now, LeaseUntil: now.Add(time.Minute)})
	require.NoError(t, err)
	require.Empty(t, second)

	require.ErrorIs(t, store.MarkSent(ctx, first[0].ID, "w2", now), outbox.ErrLeaseLost)
	require.NoError(t, store.MarkSent(ctx, first[0].ID, "w1", now))

	third, err := store.Claim(ctx, outbox.ClaimRequest{WorkerID: "w2", Limit: 10, Now: now, LeaseUntil: now.Add(time.Minute)})
	require.NoError(t, err)
	require.Len(t, third, 1)
	require.Equal(t, "e2", third[0].EventType)

	// An expired lease returns the record to pending.
	n, err := store.ReclaimExpired(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	rec, err := store.Get(ctx, third[0].ID)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusPending, rec.Status)
	require.Empty(t, rec.ClaimedBy)
}

func TestOutboxDeadLetterReplayIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	db := startMySQL(t, ctx)

	store, err := mysql.NewOutboxStore(db)
	require.NoError(t, err)
	dlStore, err := mysql.NewDeadLetterStore(db)
	require.NoError(t, err)
	handler := deadletter.NewHandler(dlStore)
	handler.Register(deadletter.SourceOutbox, outbox.NewReplayer(store, nil))

	id := appendEntries(t, ctx, db, store,
		outbox.Entry{AggregateKey: "a", EventType: "e1", Payload: []byte("1")},
	)[0]

	pub := memtransport.New()
	pub.FailNext(fmt.Errorf("broker down"))
	policy := retry.Policy{MaxAttempts: 1, Base: time.Millisecond, MaxDelay: time.Millisecond}
	relay := outbox.NewRelay(store, pub,
		outbox.WithPolicies(retry.Policies{Default: policy}),
		outbox.WithDeadLetters(handler),
	)

	_, err = relay.ProcessOnce(ctx)
	require.NoError(t, err)

	rec, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusFailed, rec.Status)
	require.Contains(t, rec.LastError, "broker down")

	letters, err := handler.ListPending(ctx, deadletter.Filter{Source: deadletter.SourceOutbox})
	require.NoError(t, err)
	require.Len(t, letters, 1)
	require.Equal(t, id.String(), letters[0].SourceID)

	require.NoError(t, handler.Replay(ctx, letters[0].ID, deadletter.ReplayOptions{ResetAttempts: true}))
	require.ErrorIs(t, handler.Replay(ctx, letters[0].ID, deadletter.ReplayOptions{}), deadletter.ErrAlreadyReplayed)

	_, err = relay.ProcessOnce(ctx)
	require.NoError(t, err)
	rec, err = store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusSent, rec.Status)
}

func TestInboxIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	db := startMySQL(t, ctx)

	store, err := mysql.NewInboxStore(db)
	require.NoError(t, err)
	dedup := inbox.NewDeduplicator(store, inbox.WithOwner("node-a"))

	outcome, err := dedup.TryBeginProcessing(ctx, "m-1", "billing")
	require.NoError(t, err)
	require.Equal(t, inbox.OutcomeNew, outcome)

	outcome, err = dedup.TryBeginProcessing(ctx, "m-1", "billing")
	require.NoError(t, err)
	require.Equal(t, inbox.OutcomeInFlight, outcome)

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, store.MarkProcessedTx(ctx, tx, "m-1", "billing", []byte("fp"), time.Now().UTC()))
	require.NoError(t, tx.Commit())

	outcome, err = dedup.TryBeginProcessing(ctx, "m-1", "billing")
	require.NoError(t, err)
	require.Equal(t, inbox.OutcomeDuplicate, outcome)

	// Other consumers see the message independently.
	outcome, err = dedup.TryBeginProcessing(ctx, "m-1", "shipping")
	require.NoError(t, err)
	require.Equal(t, inbox.OutcomeNew, outcome)

	n, err := store.Prune(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestIdempotencyKeeperIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	db := startMySQL(t, ctx)

	store, err := mysql.NewIdempotencyStore(db)
	require.NoError(t, err)
	keeper := idempotency.NewKeeper(store)

	decision, err := keeper.Begin(ctx, "k1", "fp-1")
	require.NoError(t, err)
	require.Equal(t, idempotency.Proceed, decision.Outcome)

	decision, err = keeper.Begin(ctx, "k1", "fp-1")
	require.NoError(t, err)
	require.Equal(t, idempotency.InProgress, decision.Outcome)

	_, err = keeper.Begin(ctx, "k1", "fp-2")
	require.ErrorIs(t, err, idempotency.ErrConflictingKey)

	require.NoError(t, keeper.Complete(ctx, "k1", []byte("response")))

	decision, err = keeper.Begin(ctx, "k1", "fp-1")
	require.NoError(t, err)
	require.Equal(t, idempotency.Replay, decision.Outcome)
	require.Equal(t, "response", string(decision.Response))

	decision, err = keeper.Begin(ctx, "k2", "fp-1")
	require.NoError(t, err)
	require.NoError(t, keeper.Fail(ctx, "k2", fmt.Errorf("boom")))
	decision, err = keeper.Begin(ctx, "k2", "fp-1")
	require.NoError(t, err)
	require.Equal(t, idempotency.Proceed, decision.Outcome)
}

func TestSagaIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	db := startMySQL(t, ctx)

	store, err := mysql.NewSagaStore(db)
	require.NoError(t, err)

	var compensated []string
	registry := saga.NewRegistry()
	require.NoError(t, registry.Register("order",
		saga.StepFuncs{
			StepName:  "reserve",
			ExecuteFn: func(context.Context, saga.StepContext) ([]byte, error) { return []byte("r1"), nil },
			CompensateFn: func(_ context.Context, _ saga.StepContext, prior []byte) ([]byte, error) {
				compensated = append(compensated, string(prior))
				return nil, nil
			},
		},
		saga.StepFuncs{
			StepName: "charge",
			ExecuteFn: func(context.Context, saga.StepContext) ([]byte, error) {
				return nil, fmt.Errorf("card declined")
			},
		},
	))
	orch := saga.NewOrchestrator(store, registry, saga.WithPolicies(retry.Policies{
		Default: retry.Policy{MaxAttempts: 1, Base: time.Millisecond, MaxDelay: time.Millisecond},
	}))

	id, err := orch.Start(ctx, "order", saga.Data{"order": []byte("42")})
	require.NoError(t, err)

	inst, err := orch.Drive(ctx, id)
	require.NoError(t, err)
	require.Equal(t, saga.StateCompensated, inst.State)
	require.Equal(t, []string{"r1"}, compensated)

	got, steps, err := orch.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "42", string(got.Data["order"]))
	require.Equal(t, saga.StepCompensated, steps[0].Status)
	require.Equal(t, saga.StepSkipped, steps[1].Status)
	require.Empty(t, got.LockedBy)
}

func TestRetentionIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	db := startMySQL(t, ctx)

	store, err := mysql.NewOutboxStore(db)
	require.NoError(t, err)
	ids := appendEntries(t, ctx, db, store,
		outbox.Entry{AggregateKey: "a", EventType: "e1", Payload: []byte("1")},
		outbox.Entry{AggregateKey: "b", EventType: "e2", Payload: []byte("2")},
	)

	now := time.Now().UTC()
	claimed, err := store.Claim(ctx, outbox.ClaimRequest{WorkerID: "w", Limit: 10, Now: now, LeaseUntil: now.Add(time.Minute)})
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.NoError(t, store.MarkSent(ctx, ids[0], "w", now.Add(-2*time.Hour)))
	require.NoError(t, store.MarkSent(ctx, ids[1], "w", now))

	maintainer, err := mysql.NewRetentionMaintainer(db, mysql.RetentionConfig{
		OutboxRetention:  time.Hour,
		InboxRetention:   time.Hour,
		PurgeIdempotency: true,
	})
	require.NoError(t, err)

	res, err := maintainer.Ensure(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.OutboxSent)

	_, err = store.Get(ctx, ids[0])
	require.ErrorIs(t, err, outbox.ErrNotFound)
	_, err = store.Get(ctx, ids[1])
	require.NoError(t, err)
}

func startMySQL(t *testing.T, ctx context.Context) *sql.DB {
	t.Helper()
	port := nat.Port("3306/tcp")
	dsn := func(host string, port nat.Port) string {
		return fmt.Sprintf("root:secret@tcp(%s:%s)/courier?parseTime=true&multiStatements=true", host, port.Port())
	}
	req := testcontainers.ContainerRequest{
		Image:        "mysql:8.0.36",
		ExposedPorts: []string{string(port)},
		Env: map[string]string{
			"MYSQL_ROOT_PASSWORD": "secret",
			"MYSQL_DATABASE":      "courier",
		},
		WaitingFor: wait.ForSQL(port, "mysql", dsn).WithStartupTimeout(2 * time.Minute),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("start mysql container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mappedPort, err := container.MappedPort(ctx, port)
	require.NoError(t, err)

	db, err := sql.Open("mysql", dsn(host, mappedPort))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})

	for _, ddl := range mysql.Schemas() {
		_, err := db.ExecContext(ctx, ddl)
		require.NoError(t, err, strings.SplitN(ddl, "\n", 2)[0])
	}

	return db
}

func appendEntries(t *testing.T, ctx context.Context, db *sql.DB, store *mysql.OutboxStore, entries ...outbox.Entry) []uuid.UUID {
	t.Helper()
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	ids := make([]uuid.UUID, 0, len(entries))
	for _, entry := range entries {
		id, err := store.Append(ctx, tx, entry)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, tx.Commit())

	return ids
}
