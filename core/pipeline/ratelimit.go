package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrymomot/heromessaging/core/message"
	"github.com/dmitrymomot/heromessaging/core/processing"
)

// Decision is the outcome of a rate-limit acquisition.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	Reason     string
}

// RateLimiter grants or denies permits per key. The decorator keys by
// message-type name and requests one permit per message. Implementations
// must not block the caller; denial is communicated through the decision.
type RateLimiter interface {
	Acquire(ctx context.Context, key string, permits int) (Decision, error)
}

// RateLimitError carries the retry-after hint for a denied message.
type RateLimitError struct {
	Key        string
	RetryAfter time.Duration
	Reason     string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q (retry after %s)", e.Key, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// RateLimiting asks the limiter for one permit keyed by message-type name.
// Denied messages return a failure result carrying the retry-after hint
// without invoking inner and without suspending the caller.
func RateLimiting(limiter RateLimiter) Decorator {
	return func(next processing.Processor) processing.Processor {
		return processing.Func(func(ctx context.Context, msg *message.Message, pc processing.Context) (processing.Result, error) {
			decision, err := limiter.Acquire(ctx, msg.Name, 1)
			if err != nil {
				return processing.Result{}, fmt.Errorf("rate limiter acquire: %w", err)
			}

			if !decision.Allowed {
				rlErr := &RateLimitError{
					Key:        msg.Name,
					RetryAfter: decision.RetryAfter,
					Reason:     decision.Reason,
				}
				return processing.Failed(rlErr, rlErr.Reason), nil
			}

			return next.Process(ctx, msg, pc)
		})
	}
}
