package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrymomot/heromessaging/core/clock"
	"github.com/dmitrymomot/heromessaging/core/message"
	"github.com/dmitrymomot/heromessaging/core/processing"
)

// ErrorAction is the terminal error policy's verdict for a failed message.
type ErrorAction int

const (
	// ActionEscalate propagates the error to the caller.
	ActionEscalate ErrorAction = iota

	// ActionRetry re-invokes inner after the optional delay.
	ActionRetry

	// ActionDeadLetter returns a failure tagged ErrDeadLettered.
	ActionDeadLetter

	// ActionDiscard returns a failure tagged ErrDiscarded.
	ActionDiscard
)

func (a ErrorAction) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionDeadLetter:
		return "dead_letter"
	case ActionDiscard:
		return "discard"
	default:
		return "escalate"
	}
}

// ErrorContext is the snapshot handed to the error handler with each
// failure.
type ErrorContext struct {
	Component        string
	RetryCount       int
	MaxRetries       int
	FirstFailureTime time.Time
	LastFailureTime  time.Time
	Metadata         map[string]any
}

// ErrorDecision is the error handler's response.
type ErrorDecision struct {
	Action     ErrorAction
	RetryDelay time.Duration
	Reason     string
}

// ErrorHandler decides what happens to a message after a failure the inner
// pipeline could not resolve.
type ErrorHandler interface {
	Handle(ctx context.Context, msg *message.Message, err error, ec ErrorContext) ErrorDecision
}

// ErrorHandlerFunc adapts a function to the ErrorHandler interface.
type ErrorHandlerFunc func(ctx context.Context, msg *message.Message, err error, ec ErrorContext) ErrorDecision

func (f ErrorHandlerFunc) Handle(ctx context.Context, msg *message.Message, err error, ec ErrorContext) ErrorDecision {
	return f(ctx, msg, err, ec)
}

// ErrorHandling wraps inner with a terminal error policy. On each failure it
// consults the handler: Retry loops (up to maxRetries, with the optional
// delay through the clock), SendToDeadLetter and Discard convert the failure
// into tagged failure results, Escalate propagates the error. Exhausting
// maxRetries returns a failure carrying the last error.
func ErrorHandling(handler ErrorHandler, maxRetries int, clk clock.Clock) Decorator {
	return func(next processing.Processor) processing.Processor {
		return processing.Func(func(ctx context.Context, msg *message.Message, pc processing.Context) (processing.Result, error) {
			for attempt := 0; ; attempt++ {
				res, err := next.Process(ctx, msg, pc)
				if err == nil && res.Success {
					return res, nil
				}

				cause := err
				if cause == nil {
					cause = res.Err
				}
				if cause == nil {
					// Failed result without an error; nothing for the
					// policy to act on.
					return res, nil
				}

				now := clk.Now()
				if pc.FirstFailureTime.IsZero() {
					pc = pc.WithRetry(pc.RetryCount, now)
				}

				if handler == nil {
					return res, err
				}

				decision := handler.Handle(ctx, msg, cause, ErrorContext{
					Component:        pc.Component,
					RetryCount:       attempt,
					MaxRetries:       maxRetries,
					FirstFailureTime: pc.FirstFailureTime,
					LastFailureTime:  now,
					Metadata:         pc.Metadata,
				})

				switch decision.Action {
				case ActionRetry:
					if attempt >= maxRetries {
						return processing.Failed(cause, fmt.Sprintf("%s failed after %d attempts", msg.Name, attempt+1)), nil
					}
					if derr := clk.Delay(ctx, decision.RetryDelay); derr != nil {
						return processing.Result{}, derr
					}
					pc = pc.WithRetry(attempt+1, now)

				case ActionDeadLetter:
					return processing.Failed(
						fmt.Errorf("%w: %w", ErrDeadLettered, cause),
						decision.Reason,
					), nil

				case ActionDiscard:
					return processing.Failed(
						fmt.Errorf("%w: %w", ErrDiscarded, cause),
						decision.Reason,
					), nil

				default:
					return res, err
				}
			}
		})
	}
}
