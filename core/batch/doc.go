// Package batch coalesces messages into batches for throughput while
// preserving the full per-message decorator chain and each caller's exact
// result. The flush loop is driven entirely through the clock abstraction
// and exposes counting-semaphore signals (loop-ready-to-wait,
// iteration-complete) so tests run deterministically under virtual time.
package batch
