package outbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/velmie/courier"
	"github.com/velmie/courier/deadletter"
	"github.com/velmie/courier/retry"
	"github.com/velmie/courier/transport"
)

// FailureHandler is called when publishing a record returns an error.
type FailureHandler func(ctx context.Context, record Record, err error)

// Relay claims pending records from a Store and publishes them.
type Relay struct {
	store     Store
	publisher transport.Publisher
	cfg       RelayConfig

	pendingMu sync.Mutex
	pendingAt time.Time
}

// NewRelay constructs a Relay with defaults and optional settings.
func NewRelay(store Store, publisher transport.Publisher, opts ...RelayOption) *Relay {
	if store == nil {
		panic("outbox: nil Store")
	}
	if publisher == nil {
		panic("outbox: nil Publisher")
	}

	var cfg RelayConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	return &Relay{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
	}
}

// Run starts the configured number of workers and the lease watchdog.
// It returns nil after ctx is canceled and in-flight records are settled.
func (r *Relay) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, r.cfg.Workers+1)
	var wg sync.WaitGroup

	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					r.cfg.Logger.Error("outbox worker panic", "worker", name, "panic", rec)
					errCh <- fmt.Errorf("%w: %v", ErrWorkerPanic, rec)
					cancel()
				}
			}()

			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.cfg.Logger.Error("outbox worker error", "worker", name, "err", err)
				errCh <- err
				cancel()
			}
		}()
	}

	for i := 0; i < r.cfg.Workers; i++ {
		workerID := r.workerID(i)
		spawn(workerID, func(ctx context.Context) error {
			return r.runWorker(ctx, workerID)
		})
	}
	if r.cfg.WatchdogInterval > 0 {
		spawn("watchdog", r.runWatchdog)
	}

	r.cfg.Logger.Info("outbox relay started", "workers", r.cfg.Workers, "batch_size", r.cfg.BatchSize)

	wg.Wait()
	close(errCh)

	if err := <-errCh; err != nil {
		return err
	}

	r.cfg.Logger.Info("outbox relay stopped")

	return nil
}

// ProcessOnce claims and publishes a single batch as worker 0.
// It returns the number of records claimed.
func (r *Relay) ProcessOnce(ctx context.Context) (int, error) {
	n, err := r.processBatch(ctx, r.workerID(0))
	if err == nil && n == 0 {
		r.maybeRecordPending(ctx)
	}

	return n, err
}

// Reclaim returns records with expired claim leases to pending.
func (r *Relay) Reclaim(ctx context.Context) (int, error) {
	n, err := r.store.ReclaimExpired(ctx, r.cfg.Clock.Now())
	if err != nil {
		return 0, fmt.Errorf("outbox reclaim: %w", err)
	}
	if n > 0 {
		r.cfg.Metrics.AddReclaimed(n)
		r.cfg.Logger.Warn("outbox reclaimed expired claims", "count", n)
	}

	return n, nil
}

func (r *Relay) workerID(i int) string {
	return r.cfg.WorkerID + "-" + strconv.Itoa(i)
}

func (r *Relay) runWorker(ctx context.Context, workerID string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := r.processBatch(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.cfg.Logger.Error("outbox batch failed", "worker", workerID, "err", err)
		}
		if err != nil || n == 0 {
			if n == 0 {
				r.maybeRecordPending(ctx)
			}
			if sleepErr := r.sleep(ctx, r.cfg.PollInterval); sleepErr != nil {
				return sleepErr
			}
		}
	}
}

func (r *Relay) runWatchdog(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Reclaim(ctx); err != nil && ctx.Err() == nil {
				r.cfg.Logger.Error("outbox watchdog failed", "err", err)
			}
		}
	}
}

func (r *Relay) processBatch(ctx context.Context, workerID string) (int, error) {
	now := r.cfg.Clock.Now()
	records, err := r.store.Claim(ctx, ClaimRequest{
		WorkerID:   workerID,
		Limit:      r.cfg.BatchSize,
		Now:        now,
		LeaseUntil: now.Add(r.cfg.Lease),
	})
	if err != nil {
		return 0, fmt.Errorf("outbox claim: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	start := time.Now()
	defer func() {
		r.cfg.Metrics.ObserveBatchDuration(time.Since(start))
	}()

	// Records still claimed when shutdown starts go back to pending untouched.
	// The current publish is allowed to finish within ShutdownTimeout.
	settleCtx, cancelSettle := courier.Detach(ctx, r.cfg.ShutdownTimeout)
	defer cancelSettle()

	var errs []error
	for i, rec := range records {
		if ctx.Err() != nil {
			r.releaseAll(settleCtx, workerID, records[i:])

			return len(records), nil
		}
		// A publish must end before the claim does, or the watchdog may hand the
		// record to another worker while it is still in flight.
		if !r.leaseCovers(rec) {
			r.cfg.Logger.Warn("outbox claim too close to expiry, releasing batch",
				"worker", workerID, "id", rec.ID, "lease_until", rec.ClaimLeaseExpiry, "remaining", len(records)-i)
			r.releaseAll(settleCtx, workerID, records[i:])

			return len(records), nil
		}
		if err := r.deliver(settleCtx, workerID, rec); err != nil {
			errs = append(errs, err)
		}
	}

	return len(records), errors.Join(errs...)
}

func (r *Relay) deliver(ctx context.Context, workerID string, rec Record) error {
	pubErr := r.publish(ctx, rec)
	if pubErr == nil {
		if err := r.store.MarkSent(ctx, rec.ID, workerID, r.cfg.Clock.Now()); err != nil {
			return r.settleError("mark sent", rec, err)
		}
		r.cfg.Metrics.AddSent(1)

		return nil
	}

	if r.cfg.ErrorHandler != nil {
		r.cfg.ErrorHandler(ctx, rec, pubErr)
	}

	attempt := rec.Attempt + 1
	lastErr := courier.TruncateError(pubErr)
	policy := r.cfg.Policies.For(rec.EventType)

	exhausted := r.cfg.FailureClassifier(ctx, rec, pubErr) == FailureDead
	var decision retry.Decision
	if !exhausted {
		decision = r.cfg.Scheduler.NextAttempt(attempt, policy)
		exhausted = decision.Exhausted
	}

	if !exhausted {
		retryAt := r.cfg.Clock.Now().Add(decision.Delay)
		if err := r.store.Reschedule(ctx, rec.ID, workerID, attempt, retryAt, lastErr); err != nil {
			return r.settleError("reschedule", rec, err)
		}
		r.cfg.Metrics.AddRetries(1)
		r.cfg.Logger.Debug("outbox publish failed, rescheduled",
			"id", rec.ID, "attempt", attempt, "retry_at", retryAt, "err", pubErr)

		return nil
	}

	return r.deadLetter(ctx, workerID, rec, attempt, pubErr, policy)
}

func (r *Relay) leaseCovers(rec Record) bool {
	if rec.ClaimLeaseExpiry.IsZero() {
		return true
	}

	return r.cfg.Clock.Now().Add(r.cfg.PublishTimeout).Before(rec.ClaimLeaseExpiry)
}

func (r *Relay) publish(ctx context.Context, rec Record) error {
	payload, err := transport.Encode(rec.Envelope())
	if err != nil {
		return err
	}

	pubCtx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()

	return r.publisher.Publish(pubCtx, rec.AggregateKey, payload)
}

func (r *Relay) deadLetter(
	ctx context.Context,
	workerID string,
	rec Record,
	attempt int,
	pubErr error,
	policy retry.Policy,
) error {
	lastErr := courier.TruncateError(pubErr)
	if r.cfg.DeadLetters != nil {
		payload, err := transport.Encode(rec.Envelope())
		if err != nil {
			payload = rec.Payload
		}
		if _, err := r.cfg.DeadLetters.Capture(ctx, deadletter.SourceOutbox, rec.ID.String(), payload, pubErr, attempt); err != nil {
			// Keep the record retryable rather than failing it without a dead letter.
			retryAt := r.cfg.Clock.Now().Add(policy.WithDefaults().MaxDelay)
			r.cfg.Logger.Error("outbox dead-letter capture failed", "id", rec.ID, "err", err)
			if rerr := r.store.Reschedule(ctx, rec.ID, workerID, attempt, retryAt, lastErr); rerr != nil {
				return errors.Join(err, r.settleError("reschedule", rec, rerr))
			}

			return err
		}
	}

	if err := r.store.MarkFailed(ctx, rec.ID, workerID, attempt, lastErr); err != nil {
		return r.settleError("mark failed", rec, err)
	}
	r.cfg.Metrics.AddDead(1)
	r.cfg.Logger.Warn("outbox record dead-lettered",
		"id", rec.ID, "aggregate_key", rec.AggregateKey, "event_type", rec.EventType,
		"attempt", attempt, "err", pubErr)

	return nil
}

func (r *Relay) settleError(op string, rec Record, err error) error {
	if errors.Is(err, ErrLeaseLost) {
		r.cfg.Logger.Warn("outbox claim lost before "+op, "id", rec.ID)

		return nil
	}

	return fmt.Errorf("outbox %s %s: %w", op, rec.ID, err)
}

func (r *Relay) releaseAll(ctx context.Context, workerID string, records []Record) {
	for _, rec := range records {
		if err := r.store.Release(ctx, rec.ID, workerID); err != nil && !errors.Is(err, ErrLeaseLost) {
			r.cfg.Logger.Warn("outbox release failed", "id", rec.ID, "err", err)
		}
	}
}

func (r *Relay) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *Relay) maybeRecordPending(ctx context.Context) {
	counter, ok := r.store.(PendingCounter)
	if !ok {
		return
	}
	if r.cfg.PendingInterval <= 0 {
		return
	}
	if ctx.Err() != nil {
		return
	}

	now := r.cfg.Clock.Now()
	r.pendingMu.Lock()
	nextAllowed := r.pendingAt.Add(r.cfg.PendingInterval)
	if !r.pendingAt.IsZero() && now.Before(nextAllowed) {
		r.pendingMu.Unlock()

		return
	}
	r.pendingAt = now
	r.pendingMu.Unlock()

	count, err := counter.PendingCount(ctx)
	if err != nil {
		r.cfg.Logger.Warn("outbox pending count failed", "err", err)

		return
	}

	r.cfg.Metrics.SetPending(count)
}
