// Package memory provides in-process implementations of every courier store.
//
// The stores honor the same conditional-update contracts as the durable backends and are
// safe for concurrent use, which makes them suitable for tests and single-process
// deployments. Nothing survives a restart.
package memory
