// Package redis provides Redis implementations of the idempotency key store and
// the inbox store.
//
// Records are hashes; every multi-field transition runs as a Lua script so it is
// atomic on the server. Retention is enforced with key TTLs instead of pruning.
package redis
