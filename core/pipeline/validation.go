package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrymomot/heromessaging/core/message"
	"github.com/dmitrymomot/heromessaging/core/processing"
)

// Validator checks a message before it enters the rest of the pipeline.
// Implementations return one error per violated rule; an empty slice means
// the message is valid.
type Validator interface {
	Validate(ctx context.Context, msg *message.Message) []error
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(ctx context.Context, msg *message.Message) []error

func (f ValidatorFunc) Validate(ctx context.Context, msg *message.Message) []error {
	return f(ctx, msg)
}

// Validation runs the validators in order and aggregates every violation.
// An invalid message short-circuits with a failure result carrying the
// joined error list; inner processing is never invoked.
func Validation(validators ...Validator) Decorator {
	return func(next processing.Processor) processing.Processor {
		return processing.Func(func(ctx context.Context, msg *message.Message, pc processing.Context) (processing.Result, error) {
			var violations []error
			for _, v := range validators {
				violations = append(violations, v.Validate(ctx, msg)...)
			}

			if len(violations) > 0 {
				err := fmt.Errorf("%w: %w", ErrValidationFailed, errors.Join(violations...))
				return processing.Failed(err, fmt.Sprintf("%s failed validation with %d error(s)", msg.Name, len(violations))), nil
			}

			return next.Process(ctx, msg, pc)
		})
	}
}
