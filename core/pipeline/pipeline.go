package pipeline

import (
	"github.com/dmitrymomot/heromessaging/core/processing"
)

// Decorator wraps a Processor to add one cross-cutting behavior. It follows
// the same composition pattern as HTTP middleware: decorators are applied
// outer-to-inner on entry and unwind inner-to-outer on return.
type Decorator func(next processing.Processor) processing.Processor

// Chain applies decorators to a terminal processor. The first decorator in
// the list becomes the outermost wrapper (executes first).
//
// Example:
//
//	proc := pipeline.Chain(
//	    handlerInvoker,
//	    pipeline.Logging(logger, clk),
//	    pipeline.Metrics(sink, clk),
//	    pipeline.Retry(policy, clk),
//	)
//
// Execution order: Logging -> Metrics -> Retry -> handlerInvoker.
func Chain(terminal processing.Processor, decorators ...Decorator) processing.Processor {
	// Reverse iteration ensures the first decorator becomes the outermost wrapper.
	for i := 0; i < len(decorators); i++ {
		terminal = decorators[len(decorators)-1-i](terminal)
	}
	return terminal
}
