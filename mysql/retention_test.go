package mysql

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/velmie/courier"
)

func TestNewRetentionMaintainerDefaults(t *testing.T) {
	db := &sql.DB{}
	maintainer, err := NewRetentionMaintainer(db, RetentionConfig{OutboxRetention: 24 * time.Hour})
	if err != nil {
		t.Fatalf("expected maintainer, got %v", err)
	}
	if maintainer.cfg.CheckEvery != defaultCleanupEvery {
		t.Fatalf("expected default check interval")
	}
	if maintainer.cfg.Limit != defaultCleanupLimit {
		t.Fatalf("expected default limit")
	}
	if maintainer.cfg.LockName != defaultCleanupLockPrefix+defaultOutboxTable {
		t.Fatalf("unexpected lock name %q", maintainer.cfg.LockName)
	}
}

func TestNewRetentionMaintainerValidation(t *testing.T) {
	db := &sql.DB{}
	if _, err := NewRetentionMaintainer(nil, RetentionConfig{OutboxRetention: time.Hour}); !errors.Is(err, ErrDBRequired) {
		t.Fatalf("expected ErrDBRequired, got %v", err)
	}
	if _, err := NewRetentionMaintainer(db, RetentionConfig{}); !errors.Is(err, ErrCleanupRetentionInvalid) {
		t.Fatalf("expected ErrCleanupRetentionInvalid, got %v", err)
	}
	if _, err := NewRetentionMaintainer(db, RetentionConfig{OutboxRetention: time.Hour, Limit: -1}); !errors.Is(err, ErrCleanupLimitInvalid) {
		t.Fatalf("expected ErrCleanupLimitInvalid, got %v", err)
	}
	if _, err := NewRetentionMaintainer(db, RetentionConfig{PurgeIdempotency: true, InboxTable: "in-box"}); !errors.Is(err, ErrInvalidTableName) {
		t.Fatalf("expected ErrInvalidTableName, got %v", err)
	}
}

func TestRetentionEnsurePrunesEachTable(t *testing.T) {
	db, mock := newMock(t)
	maintainer, err := NewRetentionMaintainer(db, RetentionConfig{
		OutboxRetention:  time.Hour,
		InboxRetention:   48 * time.Hour,
		PurgeIdempotency: true,
		Limit:            100,
		Clock:            courier.ClockFunc(func() time.Time { return epoch }),
	})
	if err != nil {
		t.Fatalf("new maintainer: %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT GET_LOCK(?, 0)")).
		WithArgs("courier:cleanup:courier_outbox").
		WillReturnRows(sqlmock.NewRows([]string{"got"}).AddRow(int64(1)))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM courier_outbox")).
		WithArgs(epoch.Add(-time.Hour), 100).
		WillReturnResult(sqlmock.NewResult(0, 7))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM courier_inbox")).
		WithArgs(epoch.Add(-48*time.Hour), 100).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM courier_idempotency")).
		WithArgs(epoch, 100).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT RELEASE_LOCK(?)")).
		WillReturnRows(sqlmock.NewRows([]string{"released"}).AddRow(int64(1)))

	res, err := maintainer.Ensure(context.Background())
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if res.OutboxSent != 7 || res.InboxProcessed != 2 || res.IdempotencyExpired != 0 || res.Total() != 9 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRetentionEnsureSkipsWhenLockHeld(t *testing.T) {
	db, mock := newMock(t)
	maintainer, err := NewRetentionMaintainer(db, RetentionConfig{OutboxRetention: time.Hour})
	if err != nil {
		t.Fatalf("new maintainer: %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT GET_LOCK(?, 0)")).
		WillReturnRows(sqlmock.NewRows([]string{"got"}).AddRow(int64(0)))

	res, err := maintainer.Ensure(context.Background())
	if err != nil || res.Total() != 0 {
		t.Fatalf("expected skipped run, got %+v, err %v", res, err)
	}
}
