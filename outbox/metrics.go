package outbox

import "time"

// Metrics captures relay-level telemetry.
type Metrics interface {
	// ObserveBatchDuration records the time to process a batch.
	ObserveBatchDuration(duration time.Duration)
	// AddSent increments the count of published records.
	AddSent(count int)
	// AddRetries increments the count of rescheduled records.
	AddRetries(count int)
	// AddDead increments the count of dead-lettered records.
	AddDead(count int)
	// AddReclaimed increments the count of records recovered by the watchdog.
	AddReclaimed(count int)
	// SetPending updates the current pending record count.
	SetPending(count int)
}

// NopMetrics is a no-op metrics recorder.
type NopMetrics struct{}

// ObserveBatchDuration implements Metrics.
func (NopMetrics) ObserveBatchDuration(time.Duration) {}

// AddSent implements Metrics.
func (NopMetrics) AddSent(int) {}

// AddRetries implements Metrics.
func (NopMetrics) AddRetries(int) {}

// AddDead implements Metrics.
func (NopMetrics) AddDead(int) {}

// AddReclaimed implements Metrics.
func (NopMetrics) AddReclaimed(int) {}

// SetPending implements Metrics.
func (NopMetrics) SetPending(int) {}
