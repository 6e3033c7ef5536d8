package pipeline

import "errors"

var (
	// ErrRateLimited is returned in a failure result when the rate limiter
	// denies a permit.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrValidationFailed is returned in a failure result when a message
	// fails validation.
	ErrValidationFailed = errors.New("message validation failed")

	// ErrDeadLettered tags a failure routed to the dead-letter sink by the
	// error policy.
	ErrDeadLettered = errors.New("message sent to dead letter queue")

	// ErrDiscarded tags a failure the error policy chose to drop.
	ErrDiscarded = errors.New("message discarded by error policy")

	// ErrRetriesExhausted tags a failure after the retry budget is spent.
	ErrRetriesExhausted = errors.New("retry attempts exhausted")
)
