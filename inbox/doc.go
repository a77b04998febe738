// Package inbox suppresses duplicate effects of redelivered messages.
//
// A consumer claims a (message id, consumer name) pair before running its handler and
// marks it processed afterwards. Redeliveries of a processed message are reported as
// Duplicate and skipped. Handlers must be idempotent themselves or commit their effect in
// the same transaction as MarkProcessed; a crash between the effect and MarkProcessed
// re-runs the handler on redelivery.
package inbox
