package pipeline

import (
	"context"
	"fmt"

	"github.com/dmitrymomot/heromessaging/core/clock"
	"github.com/dmitrymomot/heromessaging/core/message"
	"github.com/dmitrymomot/heromessaging/core/processing"
	"github.com/dmitrymomot/heromessaging/core/retry"
)

// Retry re-invokes inner for transient failures, up to the policy's retry
// budget, waiting the policy delay between attempts through the clock so
// virtual time drives tests. Cancellation aborts the pending delay and is
// returned to the caller.
//
// The processing context is derived with WithRetry before each retry so
// inner decorators observe the attempt number and the first failure time.
func Retry(policy retry.Policy, clk clock.Clock) Decorator {
	return func(next processing.Processor) processing.Processor {
		return processing.Func(func(ctx context.Context, msg *message.Message, pc processing.Context) (processing.Result, error) {
			var (
				lastRes processing.Result
				lastErr error
			)

			for attempt := 0; ; attempt++ {
				res, err := next.Process(ctx, msg, pc)
				if err == nil && res.Success {
					return res, nil
				}

				lastRes, lastErr = res, err
				cause := err
				if cause == nil {
					cause = res.Err
				}

				if !policy.ShouldRetry(attempt, cause) {
					break
				}

				if derr := clk.Delay(ctx, policy.Delay(attempt)); derr != nil {
					return processing.Result{}, derr
				}

				pc = pc.WithRetry(attempt+1, clk.Now())
			}

			if lastErr != nil {
				return lastRes, lastErr
			}
			if lastRes.Err != nil && pc.RetryCount > 0 {
				lastRes.Err = fmt.Errorf("%w: %w", ErrRetriesExhausted, lastRes.Err)
				lastRes.Message = fmt.Sprintf("%s after %d retries", lastRes.Message, pc.RetryCount)
			}
			return lastRes, nil
		})
	}
}
