// Package idempotency gates synchronous write requests by a caller-supplied key.
//
// Begin either lets the caller proceed, replays the stored response of a completed
// request, reports that the same request is still running, or rejects reuse of a key
// with a different request. Failed attempts never block a later retry.
package idempotency
