package mysql

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/velmie/courier/inbox"
)

func inboxClaimRequest() inbox.ClaimRequest {
	return inbox.ClaimRequest{
		MessageID:  "m-1",
		Consumer:   "billing",
		Owner:      "node-a",
		Now:        epoch,
		LeaseUntil: epoch.Add(time.Minute),
	}
}

func TestInboxClaimOutcomes(t *testing.T) {
	insert := regexp.QuoteMeta("INSERT INTO courier_inbox (message_id, consumer_name, claimed_by, claimed_until)")
	takeover := regexp.QuoteMeta("UPDATE courier_inbox SET claimed_by = ?, claimed_until = ?")
	get := regexp.QuoteMeta("SELECT message_id, consumer_name, processed_at")
	cols := []string{"message_id", "consumer_name", "processed_at", "result_fingerprint", "claimed_by", "claimed_until"}

	tests := []struct {
		name   string
		expect func(mock sqlmock.Sqlmock)
		want   inbox.Outcome
	}{
		{
			name: "first delivery inserts",
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(insert).
					WithArgs("m-1", "billing", "node-a", epoch.Add(time.Minute)).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
			want: inbox.OutcomeNew,
		},
		{
			name: "expired claim is taken over",
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(insert).WillReturnError(duplicateKeyErr())
				mock.ExpectExec(takeover).
					WithArgs("node-a", epoch.Add(time.Minute), "m-1", "billing", epoch).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
			want: inbox.OutcomeNew,
		},
		{
			name: "processed is duplicate",
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(insert).WillReturnError(duplicateKeyErr())
				mock.ExpectExec(takeover).WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectQuery(get).WillReturnRows(sqlmock.NewRows(cols).
					AddRow("m-1", "billing", epoch, []byte("fp"), nil, nil))
			},
			want: inbox.OutcomeDuplicate,
		},
		{
			name: "live claim is in flight",
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(insert).WillReturnError(duplicateKeyErr())
				mock.ExpectExec(takeover).WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectQuery(get).WillReturnRows(sqlmock.NewRows(cols).
					AddRow("m-1", "billing", nil, nil, "node-b", epoch.Add(time.Hour)))
			},
			want: inbox.OutcomeInFlight,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMock(t)
			store, err := NewInboxStore(db)
			if err != nil {
				t.Fatalf("new store: %v", err)
			}
			tt.expect(mock)

			got, err := store.Claim(context.Background(), inboxClaimRequest())
			if err != nil {
				t.Fatalf("claim: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestInboxClaimPropagatesOtherErrors(t *testing.T) {
	db, mock := newMock(t)
	store, _ := NewInboxStore(db)
	boom := errors.New("connection reset")

	mock.ExpectExec("INSERT INTO courier_inbox").WillReturnError(boom)

	if _, err := store.Claim(context.Background(), inboxClaimRequest()); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestInboxMarkProcessedTxUsesExecutor(t *testing.T) {
	db, mock := newMock(t)
	store, _ := NewInboxStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("ON DUPLICATE KEY UPDATE result_fingerprint = IF(processed_at IS NULL")).
		WithArgs("m-1", "billing", epoch, []byte("fp")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := store.MarkProcessedTx(context.Background(), tx, "m-1", "billing", []byte("fp"), epoch); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := store.MarkProcessedTx(context.Background(), nil, "m-1", "billing", nil, epoch); !errors.Is(err, ErrExecutorRequired) {
		t.Fatalf("expected ErrExecutorRequired, got %v", err)
	}
}

func TestInboxReleaseOnlyOwnClaim(t *testing.T) {
	db, mock := newMock(t)
	store, _ := NewInboxStore(db)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM courier_inbox WHERE message_id = ? AND consumer_name = ? AND processed_at IS NULL AND claimed_by = ?")).
		WithArgs("m-1", "billing", "node-a").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.Release(context.Background(), "m-1", "billing", "node-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestInboxGetNotFound(t *testing.T) {
	db, mock := newMock(t)
	store, _ := NewInboxStore(db)

	mock.ExpectQuery("SELECT message_id").WillReturnRows(sqlmock.NewRows([]string{"message_id"}))

	if _, err := store.Get(context.Background(), "m-1", "billing"); !errors.Is(err, inbox.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
