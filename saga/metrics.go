package saga

import "time"

// Metrics captures orchestrator telemetry.
type Metrics interface {
	AddStarted(sagaType string)
	ObserveStep(sagaType, step string, compensation bool, duration time.Duration, err error)
	AddRetries(sagaType string)
	AddFinished(sagaType string, state State)
}

// NopMetrics is a no-op metrics recorder.
type NopMetrics struct{}

func (NopMetrics) AddStarted(string)                                      {}
func (NopMetrics) ObserveStep(string, string, bool, time.Duration, error) {}
func (NopMetrics) AddRetries(string)                                      {}
func (NopMetrics) AddFinished(string, State)                              {}
