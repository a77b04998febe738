package otelmetrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/velmie/courier/saga"
)

const (
	attrSagaType = "saga_type"
	attrStep     = "step"
	attrPhase    = "phase"
	attrOutcome  = "outcome"
	attrState    = "state"
)

// Saga implements saga.Metrics.
type Saga struct {
	started      metric.Int64Counter
	finished     metric.Int64Counter
	retries      metric.Int64Counter
	stepDuration metric.Float64Histogram
}

var _ saga.Metrics = (*Saga)(nil)

// NewSaga creates the orchestrator instruments on meter.
func NewSaga(meter metric.Meter) (*Saga, error) {
	started, err := meter.Int64Counter("courier_saga_started_total",
		metric.WithDescription("Saga instances started"), metric.WithUnit("{saga}"))
	if err != nil {
		return nil, err
	}
	finished, err := meter.Int64Counter("courier_saga_finished_total",
		metric.WithDescription("Saga instances that reached a terminal state"), metric.WithUnit("{saga}"))
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter("courier_saga_step_retries_total",
		metric.WithDescription("Step attempts rescheduled after a failure"), metric.WithUnit("{attempt}"))
	if err != nil {
		return nil, err
	}
	stepDuration, err := meter.Float64Histogram("courier_saga_step_duration_seconds",
		metric.WithDescription("Duration of step execute and compensate calls"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30))
	if err != nil {
		return nil, err
	}

	return &Saga{started: started, finished: finished, retries: retries, stepDuration: stepDuration}, nil
}

// AddStarted implements saga.Metrics.
func (m *Saga) AddStarted(sagaType string) {
	m.started.Add(context.Background(), 1, metric.WithAttributes(attribute.String(attrSagaType, sagaType)))
}

// ObserveStep implements saga.Metrics.
func (m *Saga) ObserveStep(sagaType, step string, compensation bool, d time.Duration, err error) {
	phase := "execute"
	if compensation {
		phase = "compensate"
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.stepDuration.Record(context.Background(), d.Seconds(), metric.WithAttributes(
		attribute.String(attrSagaType, sagaType),
		attribute.String(attrStep, step),
		attribute.String(attrPhase, phase),
		attribute.String(attrOutcome, outcome),
	))
}

// AddRetries implements saga.Metrics.
func (m *Saga) AddRetries(sagaType string) {
	m.retries.Add(context.Background(), 1, metric.WithAttributes(attribute.String(attrSagaType, sagaType)))
}

// AddFinished implements saga.Metrics.
func (m *Saga) AddFinished(sagaType string, state saga.State) {
	m.finished.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String(attrSagaType, sagaType),
		attribute.String(attrState, state.String()),
	))
}
