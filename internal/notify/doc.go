// Package notify delivers registration outcomes back to the edge gateway
// that asked for the registration.
//
// Notify returns immediately. Delivery runs on a tracked background
// goroutine that retries transport failures with bounded exponential
// backoff. Delivery is at-least-once: the payload carries no counters,
// nonces or timestamps, so a receiver that sees it twice is unaffected.
// The sender performs no deduplication of its own.
//
// A notification that exhausts its retry budget is logged at error level
// and counted; it never fails the caller or the process.
//
// Call Close during shutdown to stop accepting work and wait for
// in-flight deliveries.
package notify
