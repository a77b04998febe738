// Package mysql provides MySQL 8.0+ implementations of the courier stores.
//
// The outbox claim uses:
//   - READ COMMITTED isolation (to avoid gap locks)
//   - SELECT ... FOR UPDATE SKIP LOCKED
//   - a NOT EXISTS guard so only the oldest unsent row of an aggregate is claimable
//   - conditional UPDATEs on (status, claimed_by) for every later transition
//
// Each store owns one table (two for sagas). See OutboxSchema, InboxSchema,
// IdempotencySchema, SagaSchema and DeadLetterSchema for the DDL, and
// RetentionMaintainer for periodic cleanup guarded by a MySQL advisory lock.
//
// Timestamps are written as UTC DATETIME(6); open the pool with parseTime=true.
package mysql
