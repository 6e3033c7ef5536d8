package processing

import (
	"context"
	"maps"
	"time"

	"github.com/dmitrymomot/heromessaging/core/message"
)

// Processor is the contract every pipeline stage implements. Decorators wrap
// an inner Processor and delegate to it, adding exactly one behavior.
//
// The two return values separate handled failures from host errors: a Result
// with Success=false is a bounded, expected failure (validation, rate limit,
// circuit open, retries exhausted); a non-nil error is an unexpected error
// that propagates up the chain and is never silently swallowed.
type Processor interface {
	Process(ctx context.Context, msg *message.Message, pc Context) (Result, error)
}

// Func adapts a function to the Processor interface.
type Func func(ctx context.Context, msg *message.Message, pc Context) (Result, error)

func (f Func) Process(ctx context.Context, msg *message.Message, pc Context) (Result, error) {
	return f(ctx, msg, pc)
}

// Context carries per-call processing state through the decorator chain.
// It is an immutable value: decorators derive new contexts instead of
// mutating a shared one.
type Context struct {
	// Component names the pipeline stage or consumer for logging and
	// error reporting.
	Component string

	// RetryCount is the number of retries already performed for this call.
	RetryCount int

	// FirstFailureTime is the instant of the first failure, set once and
	// preserved across subsequent retries. Zero until the first failure.
	FirstFailureTime time.Time

	// Metadata holds decorator-scoped values (correlation IDs, idempotency
	// key overrides, transaction hints).
	Metadata map[string]any
}

// NewContext returns a context for the named component.
func NewContext(component string) Context {
	return Context{Component: component}
}

// WithRetry derives a context with the given retry count. firstFailure is
// only recorded if no earlier failure time is already present.
func (c Context) WithRetry(retryCount int, firstFailure time.Time) Context {
	derived := c
	derived.RetryCount = retryCount
	if derived.FirstFailureTime.IsZero() {
		derived.FirstFailureTime = firstFailure
	}
	return derived
}

// WithMetadata derives a context with the key set. The receiver's metadata
// map is copied, never mutated.
func (c Context) WithMetadata(key string, value any) Context {
	derived := c
	derived.Metadata = make(map[string]any, len(c.Metadata)+1)
	maps.Copy(derived.Metadata, c.Metadata)
	derived.Metadata[key] = value
	return derived
}

// MetadataString returns the metadata value for key as a string, or empty
// string when absent or of another type.
func (c Context) MetadataString(key string) string {
	if v, ok := c.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// Result is the outcome of processing one message.
type Result struct {
	Success  bool
	Err      error
	Message  string
	Response any
}

// Successful returns a success result.
func Successful() Result {
	return Result{Success: true}
}

// SuccessfulWith returns a success result carrying a handler response.
func SuccessfulWith(response any) Result {
	return Result{Success: true, Response: response}
}

// Failed returns a failure result carrying the error and a short
// human-readable description.
func Failed(err error, msg string) Result {
	return Result{Success: false, Err: err, Message: msg}
}
