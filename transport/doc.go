// Package transport defines the message envelope and the broker contract used by the
// relay and by inbox consumers.
//
// The core never assumes ordering or exactly-once delivery from a transport: publishes
// carry the aggregate key as a partition hint, and deliveries may repeat.
package transport
