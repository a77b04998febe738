package otelmetrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/velmie/courier/outbox"
)

// Outbox implements outbox.Metrics.
type Outbox struct {
	batchDuration metric.Float64Histogram
	sent          metric.Int64Counter
	retries       metric.Int64Counter
	dead          metric.Int64Counter
	reclaimed     metric.Int64Counter
	pending       metric.Int64Gauge
}

var _ outbox.Metrics = (*Outbox)(nil)

// NewOutbox creates the relay instruments on meter.
func NewOutbox(meter metric.Meter) (*Outbox, error) {
	batchDuration, err := meter.Float64Histogram(
		"courier_outbox_batch_duration_seconds",
		metric.WithDescription("Time to process one claimed batch"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30),
	)
	if err != nil {
		return nil, err
	}
	sent, err := newCounter(meter, "courier_outbox_sent_total", "Records published and marked sent")
	if err != nil {
		return nil, err
	}
	retries, err := newCounter(meter, "courier_outbox_retries_total", "Records rescheduled after a failed publish")
	if err != nil {
		return nil, err
	}
	dead, err := newCounter(meter, "courier_outbox_dead_total", "Records moved to the dead letter store")
	if err != nil {
		return nil, err
	}
	reclaimed, err := newCounter(meter, "courier_outbox_reclaimed_total", "Expired claims returned to pending")
	if err != nil {
		return nil, err
	}
	pending, err := meter.Int64Gauge(
		"courier_outbox_pending",
		metric.WithDescription("Pending records at the last sample"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	return &Outbox{
		batchDuration: batchDuration,
		sent:          sent,
		retries:       retries,
		dead:          dead,
		reclaimed:     reclaimed,
		pending:       pending,
	}, nil
}

// ObserveBatchDuration implements outbox.Metrics.
func (m *Outbox) ObserveBatchDuration(d time.Duration) {
	m.batchDuration.Record(context.Background(), d.Seconds())
}

// AddSent implements outbox.Metrics.
func (m *Outbox) AddSent(n int) { add(m.sent, n) }

// AddRetries implements outbox.Metrics.
func (m *Outbox) AddRetries(n int) { add(m.retries, n) }

// AddDead implements outbox.Metrics.
func (m *Outbox) AddDead(n int) { add(m.dead, n) }

// AddReclaimed implements outbox.Metrics.
func (m *Outbox) AddReclaimed(n int) { add(m.reclaimed, n) }

// SetPending implements outbox.Metrics.
func (m *Outbox) SetPending(n int) {
	m.pending.Record(context.Background(), int64(n))
}

func newCounter(meter metric.Meter, name, desc string) (metric.Int64Counter, error) {
	return meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("{record}"))
}

func add(c metric.Int64Counter, n int, opts ...metric.AddOption) {
	if n <= 0 {
		return
	}
	c.Add(context.Background(), int64(n), opts...)
}
