package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	driver "github.com/go-sql-driver/mysql"
)

const errDuplicateEntry = 1062

// Executor executes statements. *sql.DB, *sql.Tx and *sql.Conn satisfy it.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func isDuplicateKey(err error) bool {
	var myErr *driver.MySQLError

	return errors.As(err, &myErr) && myErr.Number == errDuplicateEntry
}

func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("courier mysql: rows affected failed: %w", err)
	}

	return n, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}

	return t.UTC()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}

	return s
}

func timeOf(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}

	return t.Time.UTC()
}

func stringOf(s sql.NullString) string {
	if !s.Valid {
		return ""
	}

	return s.String
}

// pruneInBatches repeats a LIMITed DELETE until fewer than batch rows are removed.
// A limit > 0 bounds the total.
func pruneInBatches(ctx context.Context, db *sql.DB, query string, cutoff time.Time, batch, limit int) (int, error) {
	total := 0
	for {
		step := batch
		if limit > 0 && limit-total < step {
			step = limit - total
		}
		if step <= 0 {
			return total, nil
		}

		res, err := db.ExecContext(ctx, query, cutoff.UTC(), step)
		if err != nil {
			return total, fmt.Errorf("courier mysql: prune failed: %w", err)
		}
		n, err := affected(res)
		if err != nil {
			return total, err
		}
		total += int(n)
		if int(n) < step {
			return total, nil
		}
	}
}
