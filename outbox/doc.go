// Package outbox stages domain events next to business writes and relays them to a transport.
//
// Typical flow:
//  1. Within a business transaction, append an Entry using a storage-specific store
//     (for example mysql.OutboxStore.Append with the caller's *sql.Tx).
//  2. Run a Relay. Each worker claims a bounded batch of due records with a lease,
//     publishes them in creation order and marks them sent.
//  3. On publish failure the retry.Scheduler decides between rescheduling and
//     dead-lettering; exhausted records are captured by the deadletter package and
//     marked failed.
//  4. A watchdog returns records whose lease expired (crashed workers) to pending.
//
// Only the head record of an aggregate is claimable, so at most one event per aggregate
// key is in flight and per-aggregate order survives concurrent workers and retries.
package outbox
