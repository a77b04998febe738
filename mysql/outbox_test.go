package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/velmie/courier"
	"github.com/velmie/courier/outbox"
)

type fixedGenerator struct {
	id    uuid.UUID
	calls int
}

func (g *fixedGenerator) New() (uuid.UUID, error) {
	g.calls++
	return g.id, nil
}

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func outboxRow(id uuid.UUID, key string, status outbox.Status) []driver.Value {
	return []driver.Value{
		id[:], key, "order.created", []byte(`{"id":1}`), []byte(`{"trace":"t1"}`), int64(status), int64(0),
		nil, nil, epoch, nil, epoch, nil,
	}
}

func TestNewOutboxStoreValidation(t *testing.T) {
	if _, err := NewOutboxStore(nil); !errors.Is(err, ErrDBRequired) {
		t.Fatalf("expected ErrDBRequired, got %v", err)
	}
	db, _ := newMock(t)
	if _, err := NewOutboxStore(db, WithTable("bad;name")); !errors.Is(err, ErrInvalidTableName) {
		t.Fatalf("expected ErrInvalidTableName, got %v", err)
	}
	store, err := NewOutboxStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if store.cfg.Table != defaultOutboxTable {
		t.Fatalf("expected default table, got %s", store.cfg.Table)
	}
}

func TestOutboxAppendGeneratesID(t *testing.T) {
	db, mock := newMock(t)
	gen := &fixedGenerator{id: uuid.MustParse("01890a5d-ac96-774b-bcce-b302099a8057")}
	store := MustNewOutboxStore(db, WithGenerator(gen), WithClock(courier.ClockFunc(func() time.Time { return epoch })))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO courier_outbox (id, aggregate_key")).
		WithArgs(gen.id[:], "order:1", "order.created", []byte(`{"id":1}`), []byte(`{"trace":"t1"}`),
			outbox.StatusPending, epoch, epoch).
		WillReturnResult(sqlmock.NewResult(1, 1))

	id, err := store.Append(context.Background(), db, outbox.Entry{
		AggregateKey: "order:1",
		EventType:    "order.created",
		Payload:      []byte(`{"id":1}`),
		Headers:      map[string]string{"trace": "t1"},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if id != gen.id || gen.calls != 1 {
		t.Fatalf("expected generated id once, got %s after %d calls", id, gen.calls)
	}
}

func TestOutboxAppendRejectsInvalidEntry(t *testing.T) {
	db, _ := newMock(t)
	store := MustNewOutboxStore(db)

	if _, err := store.Append(context.Background(), nil, outbox.Entry{}); !errors.Is(err, ErrExecutorRequired) {
		t.Fatalf("expected ErrExecutorRequired, got %v", err)
	}
	if _, err := store.Append(context.Background(), db, outbox.Entry{EventType: "x", Payload: []byte("1")}); !errors.Is(err, outbox.ErrAggregateKeyRequired) {
		t.Fatalf("expected ErrAggregateKeyRequired, got %v", err)
	}
}

func TestOutboxClaimLocksAndMarksClaimed(t *testing.T) {
	db, mock := newMock(t)
	store := MustNewOutboxStore(db)
	first, second := uuid.New(), uuid.New()
	lease := epoch.Add(30 * time.Second)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM courier_outbox AS o WHERE o.status = \? .*NOT EXISTS .*FOR UPDATE SKIP LOCKED`).
		WithArgs(outbox.StatusPending, epoch, outbox.StatusPending, outbox.StatusClaimed, 10).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "aggregate_key", "event_type", "payload", "headers", "status", "attempt",
			"claimed_by", "claim_lease_expiry", "next_attempt_at", "last_error", "created_at", "sent_at",
		}).AddRow(outboxRow(first, "order:1", outbox.StatusPending)...).
			AddRow(outboxRow(second, "order:2", outbox.StatusPending)...))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE courier_outbox SET status = ?, claimed_by = ?, claim_lease_expiry = ? WHERE status = ? AND id IN (?,?)")).
		WithArgs(outbox.StatusClaimed, "w-1", lease, outbox.StatusPending, first[:], second[:]).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	records, err := store.Claim(context.Background(), outbox.ClaimRequest{
		WorkerID:   "w-1",
		Limit:      10,
		Now:        epoch,
		LeaseUntil: lease,
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].ID != first || records[0].Status != outbox.StatusClaimed || records[0].ClaimedBy != "w-1" {
		t.Fatalf("unexpected first record: %+v", records[0])
	}
	if records[0].Headers["trace"] != "t1" {
		t.Fatalf("expected decoded headers, got %v", records[0].Headers)
	}
}

func TestOutboxClaimEmptyCommits(t *testing.T) {
	db, mock := newMock(t)
	store := MustNewOutboxStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	records, err := store.Claim(context.Background(), outbox.ClaimRequest{WorkerID: "w", Limit: 5, Now: epoch})
	if err != nil || len(records) != 0 {
		t.Fatalf("expected empty claim, got %d records, err %v", len(records), err)
	}
	if _, err := store.Claim(context.Background(), outbox.ClaimRequest{Limit: 0}); !errors.Is(err, outbox.ErrInvalidBatchSize) {
		t.Fatalf("expected ErrInvalidBatchSize, got %v", err)
	}
}

func TestOutboxTransitionsAreConditional(t *testing.T) {
	db, mock := newMock(t)
	store := MustNewOutboxStore(db)
	id := uuid.New()
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE courier_outbox SET status = ?, sent_at = ?")).
		WithArgs(outbox.StatusSent, epoch, id[:], outbox.StatusClaimed, "w-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.MarkSent(ctx, id, "w-1", epoch); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE courier_outbox SET status = ?, attempt = ?, next_attempt_at = ?")).
		WithArgs(outbox.StatusPending, 2, epoch, "boom", id[:], outbox.StatusClaimed, "w-2").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM courier_outbox WHERE id = ?")).
		WithArgs(id[:]).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(int64(outbox.StatusClaimed)))
	if err := store.Reschedule(ctx, id, "w-2", 2, epoch, "boom"); !errors.Is(err, outbox.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE courier_outbox SET status = ?, attempt = ?, last_error = ?")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM courier_outbox WHERE id = ?")).
		WillReturnError(sql.ErrNoRows)
	if err := store.MarkFailed(ctx, id, "w-1", 3, "boom"); !errors.Is(err, outbox.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOutboxReclaimAndRequeue(t *testing.T) {
	db, mock := newMock(t)
	store := MustNewOutboxStore(db)
	id := uuid.New()
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("WHERE status = ? AND claim_lease_expiry < ?")).
		WithArgs(outbox.StatusPending, outbox.StatusClaimed, epoch).
		WillReturnResult(sqlmock.NewResult(0, 3))
	n, err := store.ReclaimExpired(ctx, epoch)
	if err != nil || n != 3 {
		t.Fatalf("expected 3 reclaimed, got %d, err %v", n, err)
	}

	mock.ExpectExec(regexp.QuoteMeta("attempt = IF(?, 0, attempt)")).
		WithArgs(outbox.StatusPending, epoch, true, id[:], outbox.StatusFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.Requeue(ctx, id, true, epoch); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta("attempt = IF(?, 0, attempt)")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM courier_outbox")).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(int64(outbox.StatusSent)))
	if err := store.Requeue(ctx, id, false, epoch); !errors.Is(err, outbox.ErrNotFailed) {
		t.Fatalf("expected ErrNotFailed, got %v", err)
	}
}

func TestOutboxPruneSentRunsInBatches(t *testing.T) {
	db, mock := newMock(t)
	store := MustNewOutboxStore(db, WithPruneBatch(2))

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM courier_outbox WHERE status = 2 AND sent_at < ?")).
		WithArgs(epoch, 2).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM courier_outbox WHERE status = 2 AND sent_at < ?")).
		WithArgs(epoch, 2).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := store.PruneSent(context.Background(), epoch)
	if err != nil || n != 3 {
		t.Fatalf("expected 3 pruned, got %d, err %v", n, err)
	}
}

func TestPrefixColumns(t *testing.T) {
	if got := prefixColumns("o", "id, status"); got != "o.id, o.status" {
		t.Fatalf("unexpected columns: %s", got)
	}
	if got := makePlaceholders(3); got != "?,?,?" {
		t.Fatalf("unexpected placeholders: %s", got)
	}
}
