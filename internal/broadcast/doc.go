// Package broadcast implements the alert fan-out engine.
//
// Publish resolves subscribers through the subscription index, dispatches to
// active connections through a bounded worker pool with a per-send timeout and
// one retried attempt, and routes everything else to the offline queue. One
// slow client never blocks delivery to others; partial delivery is expected
// and reported.
package broadcast
