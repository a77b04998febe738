// Command courier-worker runs the outbox relay against MySQL and publishes to
// Redis Streams.
//
// It starts the relay workers with the lease watchdog, optional retention
// cleanup, and an HTTP endpoint serving /healthz, /readyz and /metrics. SIGINT
// or SIGTERM stops claiming; in-flight publishes settle before exit.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	r "github.com/redis/go-redis/v9"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/velmie/courier"
	"github.com/velmie/courier/config"
	"github.com/velmie/courier/deadletter"
	"github.com/velmie/courier/mysql"
	"github.com/velmie/courier/otelmetrics"
	"github.com/velmie/courier/outbox"
	"github.com/velmie/courier/retry"
	"github.com/velmie/courier/transport"
	"github.com/velmie/courier/transport/redisstream"
	"github.com/velmie/courier/zaplog"
)

const (
	exitUsage       = 2
	readHeaderLimit = 5 * time.Second
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}
	logger, err := zaplog.New(zaplog.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	_ = logger.Sync()
	if err != nil {
		logger.Error("courier worker stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, zl *zap.Logger) error {
	logger := zaplog.Adapt(zl)

	db, err := sql.Open("mysql", cfg.MySQL.DSN)
	if err != nil {
		return fmt.Errorf("open mysql: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MySQL.ConnMaxLifetime)

	rc := r.NewClient(&r.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rc.Close()

	stream, err := redisstream.New(rc, redisstream.Config{
		Prefix:     cfg.Stream.Prefix,
		Partitions: cfg.Stream.Partitions,
		Group:      cfg.Stream.Group,
		Consumer:   cfg.Stream.Consumer,
		Block:      cfg.Stream.Block,
		MinIdle:    cfg.Stream.MinIdle,
		MaxLen:     cfg.Stream.MaxLen,
	})
	if err != nil {
		return err
	}
	var publisher transport.Publisher = stream
	if cfg.Breaker.Enabled {
		publisher = transport.NewBreakerPublisher(stream, transport.BreakerConfig{
			Name:             "redis-stream",
			FailureThreshold: cfg.Breaker.FailureThreshold,
			ResetTimeout:     cfg.Breaker.ResetTimeout,
			Logger:           logger,
		})
	}

	outboxStore, err := mysql.NewOutboxStore(db, mysql.WithTable(cfg.MySQL.Tables.Outbox))
	if err != nil {
		return err
	}
	dlStore, err := mysql.NewDeadLetterStore(db, mysql.WithTable(cfg.MySQL.Tables.DeadLetters))
	if err != nil {
		return err
	}
	deadLetters := deadletter.NewHandler(dlStore,
		deadletter.WithLogger(logger),
		deadletter.WithReplayer(deadletter.SourceOutbox, outbox.NewReplayer(outboxStore, nil)),
	)

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.WithoutCancel(ctx)) }()
	metrics, err := otelmetrics.NewOutbox(provider.Meter("github.com/velmie/courier"))
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	relay := outbox.NewRelay(outboxStore, publisher,
		outbox.WithWorkerID(cfg.Relay.WorkerID),
		outbox.WithWorkers(cfg.Relay.Workers),
		outbox.WithBatchSize(cfg.Relay.BatchSize),
		outbox.WithPollInterval(cfg.Relay.PollInterval),
		outbox.WithLease(cfg.Relay.Lease),
		outbox.WithWatchdogInterval(cfg.Relay.WatchdogInterval),
		outbox.WithPublishTimeout(cfg.Relay.PublishTimeout),
		outbox.WithShutdownTimeout(cfg.Relay.ShutdownTimeout),
		outbox.WithPendingInterval(cfg.Relay.PendingInterval),
		outbox.WithScheduler(retry.NewScheduler()),
		outbox.WithPolicies(retry.Policies{Default: retry.Policy{
			Base:           cfg.Retry.Base,
			MaxDelay:       cfg.Retry.MaxDelay,
			MaxAttempts:    cfg.Retry.MaxAttempts,
			JitterFraction: cfg.Retry.Jitter,
		}}),
		outbox.WithFailureClassifier(outbox.ClassifyPermanent),
		outbox.WithDeadLetters(deadLetters),
		outbox.WithMetrics(metrics),
		outbox.WithLogger(logger),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(gctx) })

	if cfg.Retention.Enabled {
		maintainer, err := mysql.NewRetentionMaintainer(db, mysql.RetentionConfig{
			OutboxTable:      cfg.MySQL.Tables.Outbox,
			OutboxRetention:  cfg.Retention.Outbox,
			InboxTable:       cfg.MySQL.Tables.Inbox,
			InboxRetention:   cfg.Retention.Inbox,
			IdempotencyTable: cfg.MySQL.Tables.Idempotency,
			PurgeIdempotency: cfg.Retention.PurgeIdempotency,
			CheckEvery:       cfg.Retention.CheckEvery,
			Limit:            cfg.Retention.Limit,
			LockName:         cfg.Retention.LockName,
			Logger:           logger,
		})
		if err != nil {
			return fmt.Errorf("init retention: %w", err)
		}
		g.Go(func() error {
			if err := maintainer.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if cfg.HTTP.Addr != "" {
		srv := &http.Server{
			Addr: cfg.HTTP.Addr,
			Handler: newRouter(reader, logger,
				check{name: "mysql", fn: db.PingContext},
				check{name: "redis", fn: func(ctx context.Context) error { return rc.Ping(ctx).Err() }},
			),
			ReadHeaderTimeout: readHeaderLimit,
		}
		g.Go(func() error {
			logger.Info("health endpoint listening", "addr", cfg.HTTP.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := courier.Detach(gctx, cfg.Relay.ShutdownTimeout)
			defer cancel()

			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}
