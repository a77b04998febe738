package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/velmie/courier"
)

const (
	defaultConcurrency     = 8
	defaultRunnerPoll      = time.Second
	defaultRunnerBatch     = 100
	defaultShutdownTimeout = 15 * time.Second
)

// RunnerConfig defines the polling loop.
type RunnerConfig struct {
	Concurrency     int
	PollInterval    time.Duration
	BatchSize       int
	ShutdownTimeout time.Duration
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultRunnerPoll
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultRunnerBatch
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}

	return c
}

// RunnerOption configures a Runner.
type RunnerOption func(*RunnerConfig)

// WithConcurrency limits how many instances advance at once.
func WithConcurrency(n int) RunnerOption {
	return func(c *RunnerConfig) { c.Concurrency = n }
}

// WithPollInterval sets the delay between empty polls.
func WithPollInterval(d time.Duration) RunnerOption {
	return func(c *RunnerConfig) { c.PollInterval = d }
}

// WithBatchSize sets how many due instances are listed per poll.
func WithBatchSize(n int) RunnerOption {
	return func(c *RunnerConfig) { c.BatchSize = n }
}

// WithShutdownTimeout bounds in-flight steps after Run's context is canceled.
func WithShutdownTimeout(d time.Duration) RunnerOption {
	return func(c *RunnerConfig) { c.ShutdownTimeout = d }
}

// Runner drives due instances in the background.
type Runner struct {
	orch *Orchestrator
	cfg  RunnerConfig
}

// NewRunner constructs a Runner over orchestrator.
func NewRunner(orchestrator *Orchestrator, opts ...RunnerOption) *Runner {
	if orchestrator == nil {
		panic("saga: nil Orchestrator")
	}

	var cfg RunnerConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Runner{orch: orchestrator, cfg: cfg.withDefaults()}
}

// Run polls until ctx is canceled.
func (r *Runner) Run(ctx context.Context) error {
	logger := r.orch.cfg.Logger
	for {
		n, err := r.RunOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			logger.Error("saga runner poll failed", "err", err)
		}
		if err != nil || n == 0 {
			timer := time.NewTimer(r.cfg.PollInterval)
			select {
			case <-ctx.Done():
				timer.Stop()

				return nil
			case <-timer.C:
			}
		}
	}
}

// RunOnce drives one batch of due instances and returns how many were listed.
// Step failures are recorded on the instances and are not returned.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	ids, err := r.orch.store.ListDue(ctx, r.orch.cfg.Clock.Now(), r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("saga: list due: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	exec, cancel := courier.Detach(ctx, r.cfg.ShutdownTimeout)
	defer cancel()

	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			r.drive(ctx, exec, id)

			return nil
		})
	}
	_ = g.Wait()

	return len(ids), nil
}

func (r *Runner) drive(stop, exec context.Context, id uuid.UUID) {
	_, err := r.orch.drive(stop, exec, id)
	switch {
	case err == nil, errors.Is(err, ErrLocked), errors.Is(err, context.Canceled):
	default:
		r.orch.cfg.Logger.Error("saga advance failed", "saga_id", id.String(), "err", err)
	}
}
