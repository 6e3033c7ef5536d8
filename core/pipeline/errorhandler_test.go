package pipeline_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/heromessaging/core/clock"
	"github.com/dmitrymomot/heromessaging/core/message"
	"github.com/dmitrymomot/heromessaging/core/pipeline"
	"github.com/dmitrymomot/heromessaging/core/processing"
)

func decide(action pipeline.ErrorAction) pipeline.ErrorHandler {
	return pipeline.ErrorHandlerFunc(func(ctx context.Context, msg *message.Message, err error, ec pipeline.ErrorContext) pipeline.ErrorDecision {
		return pipeline.ErrorDecision{Action: action, Reason: "policy says " + action.String()}
	})
}

func TestErrorHandling(t *testing.T) {
	t.Parallel()

	t.Run("success bypasses the handler", func(t *testing.T) {
		t.Parallel()

		handlerCalled := false
		handler := pipeline.ErrorHandlerFunc(func(ctx context.Context, msg *message.Message, err error, ec pipeline.ErrorContext) pipeline.ErrorDecision {
			handlerCalled = true
			return pipeline.ErrorDecision{Action: pipeline.ActionEscalate}
		})

		fake := clock.NewFake(time.Time{})
		calls := 0
		proc := pipeline.ErrorHandling(handler, 3, fake)(succeedingProcessor(&calls))

		res, err := proc.Process(context.Background(), message.NewCommand(ChargeCard{}), processing.NewContext("test"))
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.False(t, handlerCalled)
	})

	t.Run("escalate propagates the error", func(t *testing.T) {
		t.Parallel()

		fake := clock.NewFake(time.Time{})
		handlerErr := errors.New("handler exploded")
		proc := pipeline.ErrorHandling(decide(pipeline.ActionEscalate), 3, fake)(processing.Func(
			func(ctx context.Context, msg *message.Message, pc processing.Context) (processing.Result, error) {
				return processing.Result{}, handlerErr
			}))

		_, err := proc.Process(context.Background(), message.NewCommand(ChargeCard{}), processing.NewContext("test"))
		assert.ErrorIs(t, err, handlerErr)
	})

	t.Run("retry re-invokes until success", func(t *testing.T) {
		t.Parallel()

		fake := clock.NewFake(time.Time{})
		calls := 0
		proc := pipeline.ErrorHandling(decide(pipeline.ActionRetry), 3, fake)(processing.Func(
			func(ctx context.Context, msg *message.Message, pc processing.Context) (processing.Result, error) {
				calls++
				if calls < 3 {
					return processing.Result{}, errors.New("transient glitch")
				}
				return processing.Successful(), nil
			}))

		res, err := proc.Process(context.Background(), message.NewCommand(ChargeCard{}), processing.NewContext("test"))
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, 3, calls)
	})

	t.Run("retry budget exhaustion returns a failure", func(t *testing.T) {
		t.Parallel()

		fake := clock.NewFake(time.Time{})
		cause := errors.New("permanently broken")
		calls := 0
		proc := pipeline.ErrorHandling(decide(pipeline.ActionRetry), 2, fake)(processing.Func(
			func(ctx context.Context, msg *message.Message, pc processing.Context) (processing.Result, error) {
				calls++
				return processing.Result{}, cause
			}))

		res, err := proc.Process(context.Background(), message.NewCommand(ChargeCard{}), processing.NewContext("test"))
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.ErrorIs(t, res.Err, cause)
		assert.Contains(t, res.Message, "ChargeCard failed after 3 attempts")
		assert.Equal(t, 3, calls)
	})

	t.Run("dead letter converts the error into a tagged failure", func(t *testing.T) {
		t.Parallel()

		fake := clock.NewFake(time.Time{})
		cause := errors.New("poison message")
		proc := pipeline.ErrorHandling(decide(pipeline.ActionDeadLetter), 3, fake)(processing.Func(
			func(ctx context.Context, msg *message.Message, pc processing.Context) (processing.Result, error) {
				return processing.Result{}, cause
			}))

		res, err := proc.Process(context.Background(), message.NewCommand(ChargeCard{}), processing.NewContext("test"))
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.ErrorIs(t, res.Err, pipeline.ErrDeadLettered)
		assert.ErrorIs(t, res.Err, cause)
	})

	t.Run("discard converts the error into a tagged failure", func(t *testing.T) {
		t.Parallel()

		fake := clock.NewFake(time.Time{})
		proc := pipeline.ErrorHandling(decide(pipeline.ActionDiscard), 3, fake)(processing.Func(
			func(ctx context.Context, msg *message.Message, pc processing.Context) (processing.Result, error) {
				return processing.Result{}, errors.New("stale event")
			}))

		res, err := proc.Process(context.Background(), message.NewCommand(ChargeCard{}), processing.NewContext("test"))
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.ErrorIs(t, res.Err, pipeline.ErrDiscarded)
	})

	t.Run("failed results feed the policy too", func(t *testing.T) {
		t.Parallel()

		fake := clock.NewFake(time.Time{})
		cause := errors.New("declined")
		proc := pipeline.ErrorHandling(decide(pipeline.ActionDeadLetter), 3, fake)(processing.Func(
			func(ctx context.Context, msg *message.Message, pc processing.Context) (processing.Result, error) {
				return processing.Failed(cause, "declined"), nil
			}))

		res, err := proc.Process(context.Background(), message.NewCommand(ChargeCard{}), processing.NewContext("test"))
		require.NoError(t, err)
		assert.ErrorIs(t, res.Err, pipeline.ErrDeadLettered)
	})

	t.Run("failed result without an error passes through", func(t *testing.T) {
		t.Parallel()

		handlerCalled := false
		handler := pipeline.ErrorHandlerFunc(func(ctx context.Context, msg *message.Message, err error, ec pipeline.ErrorContext) pipeline.ErrorDecision {
			handlerCalled = true
			return pipeline.ErrorDecision{Action: pipeline.ActionRetry}
		})

		fake := clock.NewFake(time.Time{})
		proc := pipeline.ErrorHandling(handler, 3, fake)(processing.Func(
			func(ctx context.Context, msg *message.Message, pc processing.Context) (processing.Result, error) {
				return processing.Result{Success: false, Message: "nothing to do"}, nil
			}))

		res, err := proc.Process(context.Background(), message.NewCommand(ChargeCard{}), processing.NewContext("test"))
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.False(t, handlerCalled)
	})

	t.Run("handler observes the failure context", func(t *testing.T) {
		t.Parallel()

		var seen []pipeline.ErrorContext
		handler := pipeline.ErrorHandlerFunc(func(ctx context.Context, msg *message.Message, err error, ec pipeline.ErrorContext) pipeline.ErrorDecision {
			seen = append(seen, ec)
			return pipeline.ErrorDecision{Action: pipeline.ActionRetry}
		})

		fake := clock.NewFake(time.Time{})
		calls := 0
		proc := pipeline.ErrorHandling(handler, 3, fake)(processing.Func(
			func(ctx context.Context, msg *message.Message, pc processing.Context) (processing.Result, error) {
				calls++
				if calls < 3 {
					fake.Advance(time.Second)
					return processing.Result{}, errors.New("glitch")
				}
				return processing.Successful(), nil
			}))

		_, err := proc.Process(context.Background(), message.NewCommand(ChargeCard{}), processing.NewContext("billing"))
		require.NoError(t, err)

		require.Len(t, seen, 2)
		assert.Equal(t, "billing", seen[0].Component)
		assert.Equal(t, 0, seen[0].RetryCount)
		assert.Equal(t, 3, seen[0].MaxRetries)
		assert.Equal(t, 1, seen[1].RetryCount)

		// The first failure time is pinned; the last failure time advances.
		assert.Equal(t, seen[0].FirstFailureTime, seen[1].FirstFailureTime)
		assert.True(t, seen[1].LastFailureTime.After(seen[0].LastFailureTime))
	})
}

func TestErrorActionString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "escalate", pipeline.ActionEscalate.String())
	assert.Equal(t, "retry", pipeline.ActionRetry.String())
	assert.Equal(t, "dead_letter", pipeline.ActionDeadLetter.String())
	assert.Equal(t, "discard", pipeline.ActionDiscard.String())
}
