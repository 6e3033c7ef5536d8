package pipeline

import (
	"context"
	"log/slog"

	"github.com/dmitrymomot/heromessaging/core/clock"
	"github.com/dmitrymomot/heromessaging/core/logger"
	"github.com/dmitrymomot/heromessaging/core/message"
	"github.com/dmitrymomot/heromessaging/core/processing"
)

// LoggingOption configures the logging decorator.
type LoggingOption func(*loggingOptions)

type loggingOptions struct {
	successLevel slog.Level
}

// WithSuccessLevel sets the level used for the completion log line.
// Default is slog.LevelInfo.
func WithSuccessLevel(level slog.Level) LoggingOption {
	return func(o *loggingOptions) {
		o.successLevel = level
	}
}

// Logging logs each message before processing, after success with elapsed
// time, and after failure with the associated error. Errors are logged and
// then propagated unchanged.
func Logging(log *slog.Logger, clk clock.Clock, opts ...LoggingOption) Decorator {
	options := loggingOptions{successLevel: slog.LevelInfo}
	for _, opt := range opts {
		opt(&options)
	}

	if log == nil {
		log = slog.Default()
	}

	return func(next processing.Processor) processing.Processor {
		return processing.Func(func(ctx context.Context, msg *message.Message, pc processing.Context) (processing.Result, error) {
			start := clk.Now()

			log.DebugContext(ctx, "processing message",
				logger.MessageName(msg.Name),
				logger.MessageID(msg.ID),
				logger.Kind(string(msg.Kind)))

			res, err := next.Process(ctx, msg, pc)
			elapsed := clk.Elapsed(start)

			switch {
			case err != nil:
				log.ErrorContext(ctx, "message processing error",
					logger.MessageName(msg.Name),
					logger.MessageID(msg.ID),
					logger.Duration(elapsed),
					logger.Error(err))
			case !res.Success:
				log.WarnContext(ctx, "message processing failed",
					logger.MessageName(msg.Name),
					logger.MessageID(msg.ID),
					logger.Duration(elapsed),
					logger.Error(res.Err))
			default:
				log.LogAttrs(ctx, options.successLevel, "message processed",
					logger.MessageName(msg.Name),
					logger.MessageID(msg.ID),
					logger.Duration(elapsed))
			}

			return res, err
		})
	}
}
