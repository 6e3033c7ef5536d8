package pipeline

import (
	"context"
	"time"

	"github.com/dmitrymomot/heromessaging/core/clock"
	"github.com/dmitrymomot/heromessaging/core/message"
	"github.com/dmitrymomot/heromessaging/core/processing"
)

// MetricsSink receives counters and timings from the metrics decorator and
// the background processors. Implementations must be safe for concurrent
// use. See integration/prometheus for a production adapter.
type MetricsSink interface {
	IncrementCounter(name string, delta int64)
	RecordDuration(name string, d time.Duration)
	RecordValue(name string, v float64)
}

// NopSink discards all metrics.
type NopSink struct{}

func (NopSink) IncrementCounter(name string, delta int64)   {}
func (NopSink) RecordDuration(name string, d time.Duration) {}
func (NopSink) RecordValue(name string, v float64)          {}

// Metrics records per-message-type counters and durations:
// started/succeeded/failed/exceptions counts, processing duration under
// "messages.{type}.duration", and the retry count on failures when nonzero.
func Metrics(sink MetricsSink, clk clock.Clock) Decorator {
	if sink == nil {
		sink = NopSink{}
	}

	return func(next processing.Processor) processing.Processor {
		return processing.Func(func(ctx context.Context, msg *message.Message, pc processing.Context) (processing.Result, error) {
			prefix := "messages." + msg.Name
			sink.IncrementCounter(prefix+".started", 1)
			start := clk.Now()

			res, err := next.Process(ctx, msg, pc)

			sink.RecordDuration(prefix+".duration", clk.Elapsed(start))

			switch {
			case err != nil:
				sink.IncrementCounter(prefix+".exceptions", 1)
			case res.Success:
				sink.IncrementCounter(prefix+".succeeded", 1)
			default:
				sink.IncrementCounter(prefix+".failed", 1)
			}

			if (err != nil || !res.Success) && pc.RetryCount > 0 {
				sink.RecordValue(prefix+".retries", float64(pc.RetryCount))
			}

			return res, err
		})
	}
}
