// Package courier holds the primitives shared by the reliable delivery core:
// the clock, the structured logger contract, identifier generation and the
// error taxonomy used to decide between retrying and dead-lettering.
//
// Typical flow:
//  1. Within a business transaction, append an outbox entry using a storage-specific store.
//  2. Run an outbox.Relay that claims entries with a lease and publishes them through a transport.
//  3. Consumers deduplicate deliveries with an inbox.Deduplicator before running handlers.
//  4. Multi-step operations are driven by a saga.Orchestrator that compensates on failure.
//  5. Anything that exhausts its retry policy lands in the deadletter store for operator replay.
//
// The mysql package implements every store. The redis package offers idempotency
// and inbox stores on Redis, and transport/redisstream publishes over Redis Streams.
// cmd/courier-worker runs the relay as a process; cmd/courierctl is the operator CLI.
package courier
