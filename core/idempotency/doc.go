// Package idempotency caches processing results by message fingerprint so
// replays of the same message return the stored outcome instead of invoking
// handlers again.
package idempotency
