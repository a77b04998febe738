// Command courier-cleanup removes settled rows from the courier MySQL tables:
// sent outbox rows, processed inbox rows past the dedup window and expired
// idempotency keys.
//
// It wraps mysql.RetentionMaintainer for cron jobs when the application itself
// should not run DELETE statements. Failed outbox rows and dead letters are
// never touched.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/velmie/courier/mysql"
	"github.com/velmie/courier/zaplog"
)

const exitUsage = 2

type options struct {
	dsn              string
	outboxTable      string
	inboxTable       string
	idempotencyTable string
	outboxRetention  time.Duration
	inboxRetention   time.Duration
	purgeIdempotency bool
	checkEvery       time.Duration
	limit            int
	lockName         string
	once             bool
	verbose          bool
}

func main() {
	var o options
	flag.StringVar(&o.dsn, "dsn", os.Getenv("COURIER_MYSQL_DSN"), "MySQL DSN, e.g. user:pass@tcp(host:3306)/db?parseTime=true")
	flag.StringVar(&o.outboxTable, "outbox-table", "", "Outbox table name (empty uses the default)")
	flag.StringVar(&o.inboxTable, "inbox-table", "", "Inbox table name (empty uses the default)")
	flag.StringVar(&o.idempotencyTable, "idempotency-table", "", "Idempotency table name (empty uses the default)")
	flag.DurationVar(&o.outboxRetention, "outbox-retention", 0, "Delete sent outbox rows older than this (0 skips)")
	flag.DurationVar(&o.inboxRetention, "inbox-retention", 0, "Delete processed inbox rows older than this (0 skips)")
	flag.BoolVar(&o.purgeIdempotency, "purge-idempotency", false, "Delete expired idempotency keys")
	flag.DurationVar(&o.checkEvery, "check-every", time.Hour, "How often to run cleanup")
	flag.IntVar(&o.limit, "limit", 0, "Max rows deleted per table per run (0 uses default)")
	flag.StringVar(&o.lockName, "lock-name", "", "Advisory lock name (optional)")
	flag.BoolVar(&o.once, "once", false, "Run once and exit")
	flag.BoolVar(&o.verbose, "verbose", false, "Enable debug logging")
	flag.Parse()

	if o.dsn == "" {
		fmt.Fprintln(os.Stderr, "dsn is required")
		flag.Usage()
		os.Exit(exitUsage)
	}

	level := "info"
	if o.verbose {
		level = "debug"
	}
	zl, err := zaplog.New(zaplog.Config{Level: level, Format: "console", Output: "stdout"})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, o, zl)
	stop()
	_ = zl.Sync()
	if err != nil {
		zl.Error("cleanup failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, o options, zl *zap.Logger) error {
	db, err := sql.Open("mysql", o.dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	logger := zaplog.Adapt(zl)
	maintainer, err := mysql.NewRetentionMaintainer(db, mysql.RetentionConfig{
		OutboxTable:      o.outboxTable,
		OutboxRetention:  o.outboxRetention,
		InboxTable:       o.inboxTable,
		InboxRetention:   o.inboxRetention,
		IdempotencyTable: o.idempotencyTable,
		PurgeIdempotency: o.purgeIdempotency,
		CheckEvery:       o.checkEvery,
		Limit:            o.limit,
		LockName:         o.lockName,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("init maintainer: %w", err)
	}

	if o.once {
		result, err := maintainer.Ensure(ctx)
		if err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}
		logger.Info("cleanup done",
			"outbox_sent", result.OutboxSent,
			"inbox_processed", result.InboxProcessed,
			"idempotency_expired", result.IdempotencyExpired,
		)

		return nil
	}

	if err := maintainer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run maintainer: %w", err)
	}

	return nil
}
