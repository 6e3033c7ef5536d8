// Package pipeline composes the decorator chain wrapping handler
// invocation. Each decorator adds one behavior (correlation, logging,
// metrics, validation, rate limiting, idempotent replay, retry, terminal
// error policy, transactions) and delegates to its inner processor.
//
// Decorators never mutate the message, always pass the cancellation signal
// through unchanged, and never silently swallow errors: a bounded, handled
// failure becomes a failed result, anything else propagates.
package pipeline
