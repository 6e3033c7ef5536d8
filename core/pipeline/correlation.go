package pipeline

import (
	"context"

	"github.com/dmitrymomot/heromessaging/core/message"
	"github.com/dmitrymomot/heromessaging/core/processing"
)

// Metadata keys written by the correlation decorator.
const (
	MetaCorrelationID = "correlation_id"
	MetaCausationID   = "causation_id"
	MetaMessageID     = "message_id"
)

// Correlation establishes the correlation frame for the call: it enriches
// the processing context with the message's correlation ID (defaulting to
// the message ID when absent), causation ID, and message ID. The frame is an
// explicit derived context, never ambient state, so it is released on every
// exit path by construction.
func Correlation() Decorator {
	return func(next processing.Processor) processing.Processor {
		return processing.Func(func(ctx context.Context, msg *message.Message, pc processing.Context) (processing.Result, error) {
			correlationID := msg.CorrelationID
			if correlationID == "" {
				correlationID = msg.ID
			}

			pc = pc.WithMetadata(MetaCorrelationID, correlationID)
			if msg.CausationID != "" {
				pc = pc.WithMetadata(MetaCausationID, msg.CausationID)
			}
			pc = pc.WithMetadata(MetaMessageID, msg.ID)

			return next.Process(ctx, msg, pc)
		})
	}
}
