// Command courierctl inspects and replays dead letters and reports saga status.
//
//	courierctl [-config courier.yaml] [-dsn DSN] deadletter list [-source outbox|saga|inbox] [-since RFC3339] [-limit N]
//	courierctl [-config courier.yaml] [-dsn DSN] deadletter replay [-reset-attempts] <id>
//	courierctl [-config courier.yaml] [-dsn DSN] saga status <id>
//
// Inbox dead letters are replayed by republishing them to the configured Redis streams.
//
// Exit codes: 0 success, 1 internal error, 2 usage, 3 not found, 4 conflict,
// 5 store unavailable.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/velmie/courier/config"
	"github.com/velmie/courier/deadletter"
	"github.com/velmie/courier/inbox"
	"github.com/velmie/courier/mysql"
	"github.com/velmie/courier/transport/redisstream"
	"github.com/velmie/courier/zaplog"
)

const pingTimeout = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("courierctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configPath string
		dsn        string
		verbose    bool
	)
	fs.StringVar(&configPath, "config", "", "Path to a YAML config file")
	fs.StringVar(&dsn, "dsn", "", "MySQL DSN, overrides mysql.dsn")
	fs.BoolVar(&verbose, "verbose", false, "Enable debug logging")
	fs.Usage = func() { usage(fs) }
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() == 0 {
		usage(fs)
		return exitUsage
	}

	var opts []config.Option
	if dsn != "" {
		opts = append(opts, config.WithOverride("mysql.dsn", dsn))
	}
	if verbose {
		opts = append(opts, config.WithOverride("log.level", "debug"))
	}
	cfg, err := config.Load(configPath, opts...)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	logger, err := zaplog.New(zaplog.Config{Level: cfg.Log.Level, Format: "console", Output: "stderr"})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	defer func() { _ = logger.Sync() }()

	db, err := sql.Open("mysql", cfg.MySQL.DSN)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		logger.Error("mysql unavailable", zap.Error(err))
		return exitUnavailable
	}

	c, err := newMySQLCtl(db, cfg.MySQL.Tables, zaplog.Adapt(logger))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	c.out = stdout
	c.errOut = stderr

	// The client connects lazily, so commands that never replay inbox records do not
	// need Redis.
	rc := r.NewClient(&r.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rc.Close()
	stream, err := redisstream.New(rc, redisstream.Config{
		Prefix:     cfg.Stream.Prefix,
		Partitions: cfg.Stream.Partitions,
		MaxLen:     cfg.Stream.MaxLen,
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	c.deadletters.Register(deadletter.SourceInbox, inbox.NewReplayer(stream))

	return c.dispatch(ctx, fs.Args())
}

func newMySQLCtl(db *sql.DB, tables config.TablesConfig, logger zaplog.Logger) (*ctl, error) {
	dlStore, err := mysql.NewDeadLetterStore(db, mysql.WithTable(tables.DeadLetters))
	if err != nil {
		return nil, err
	}
	outboxStore, err := mysql.NewOutboxStore(db, mysql.WithTable(tables.Outbox))
	if err != nil {
		return nil, err
	}
	sagaStore, err := mysql.NewSagaStore(db, mysql.WithTable(tables.Saga))
	if err != nil {
		return nil, err
	}

	return newCtl(dlStore, outboxStore, sagaStore, logger), nil
}

func usage(fs *flag.FlagSet) {
	out := fs.Output()
	fmt.Fprintln(out, "usage: courierctl [flags] <command> [args]")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "commands:")
	fmt.Fprintln(out, "  deadletter list [-source outbox|saga|inbox] [-since RFC3339] [-limit N]")
	fmt.Fprintln(out, "  deadletter replay [-reset-attempts] <id>")
	fmt.Fprintln(out, "  saga status <id>")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "flags:")
	fs.PrintDefaults()
}

var errUsage = errors.New("usage")
