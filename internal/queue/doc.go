// Package queue implements the durable per-user offline queue of undelivered
// alerts. Two implementations share the same semantics: an in-memory store for
// development and tests, and a Redis-backed store for production.
//
// Queues are bounded per user; enqueueing at capacity evicts the oldest entry.
// Drain is a destructive FIFO read. Entries past the retention window are
// purged by the background scheduler.
package queue
