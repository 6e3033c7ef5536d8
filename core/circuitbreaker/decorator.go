package circuitbreaker

import (
	"context"

	"github.com/dmitrymomot/heromessaging/core/message"
	"github.com/dmitrymomot/heromessaging/core/processing"
)

// Decorate wraps a processor with the breaker. Rejected calls return a
// failure result carrying the retry-after hint without invoking inner.
// After inner completes, the outcome is recorded: errors and failed results
// count as failures, and errors are rethrown after recording, never
// swallowed.
func Decorate(b *Breaker) func(next processing.Processor) processing.Processor {
	return func(next processing.Processor) processing.Processor {
		return processing.Func(func(ctx context.Context, msg *message.Message, pc processing.Context) (processing.Result, error) {
			if err := b.Allow(); err != nil {
				return processing.Failed(err, "circuit breaker rejected "+msg.Name), nil
			}

			res, err := next.Process(ctx, msg, pc)
			b.Record(err == nil && res.Success)
			return res, err
		})
	}
}
