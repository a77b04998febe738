// Package otelmetrics records relay and orchestrator telemetry with OpenTelemetry.
//
// Instruments are created from a metric.Meter supplied by the caller, so the
// exporter and provider setup stay in the process that owns them:
//
//	meter := provider.Meter("courier")
//	relayMetrics, err := otelmetrics.NewOutbox(meter)
//	relay := outbox.NewRelay(store, pub, outbox.WithMetrics(relayMetrics))
package otelmetrics
