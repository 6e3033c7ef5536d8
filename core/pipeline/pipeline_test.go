package pipeline_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/heromessaging/core/message"
	"github.com/dmitrymomot/heromessaging/core/pipeline"
	"github.com/dmitrymomot/heromessaging/core/processing"
)

type ChargeCard struct {
	Amount int
}

// succeedingProcessor is the terminal stage used across decorator tests.
func succeedingProcessor(calls *int) processing.Processor {
	return processing.Func(func(ctx context.Context, msg *message.Message, pc processing.Context) (processing.Result, error) {
		*calls++
		return processing.Successful(), nil
	})
}

func TestChainOrder(t *testing.T) {
	t.Parallel()

	var order []string
	tag := func(name string) pipeline.Decorator {
		return func(next processing.Processor) processing.Processor {
			return processing.Func(func(ctx context.Context, msg *message.Message, pc processing.Context) (processing.Result, error) {
				order = append(order, name+":enter")
				res, err := next.Process(ctx, msg, pc)
				order = append(order, name+":exit")
				return res, err
			})
		}
	}

	terminal := processing.Func(func(ctx context.Context, msg *message.Message, pc processing.Context) (processing.Result, error) {
		order = append(order, "terminal")
		return processing.Successful(), nil
	})

	proc := pipeline.Chain(terminal, tag("outer"), tag("middle"), tag("inner"))
	_, err := proc.Process(context.Background(), message.NewCommand(ChargeCard{}), processing.NewContext("test"))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"outer:enter", "middle:enter", "inner:enter",
		"terminal",
		"inner:exit", "middle:exit", "outer:exit",
	}, order)
}

func TestChainEmpty(t *testing.T) {
	t.Parallel()

	calls := 0
	proc := pipeline.Chain(succeedingProcessor(&calls))
	res, err := proc.Process(context.Background(), message.NewCommand(ChargeCard{}), processing.NewContext("test"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, calls)
}

func TestCorrelation(t *testing.T) {
	t.Parallel()

	t.Run("propagates message correlation identifiers", func(t *testing.T) {
		t.Parallel()

		var seen processing.Context
		proc := pipeline.Correlation()(processing.Func(
			func(ctx context.Context, msg *message.Message, pc processing.Context) (processing.Result, error) {
				seen = pc
				return processing.Successful(), nil
			}))

		msg := message.NewCommand(ChargeCard{}).WithCorrelation("corr-1", "cause-1")
		_, err := proc.Process(context.Background(), msg, processing.NewContext("test"))
		require.NoError(t, err)

		assert.Equal(t, "corr-1", seen.MetadataString(pipeline.MetaCorrelationID))
		assert.Equal(t, "cause-1", seen.MetadataString(pipeline.MetaCausationID))
		assert.Equal(t, msg.ID, seen.MetadataString(pipeline.MetaMessageID))
	})

	t.Run("defaults correlation to the message id", func(t *testing.T) {
		t.Parallel()

		var seen processing.Context
		proc := pipeline.Correlation()(processing.Func(
			func(ctx context.Context, msg *message.Message, pc processing.Context) (processing.Result, error) {
				seen = pc
				return processing.Successful(), nil
			}))

		msg := message.NewCommand(ChargeCard{})
		_, err := proc.Process(context.Background(), msg, processing.NewContext("test"))
		require.NoError(t, err)

		assert.Equal(t, msg.ID, seen.MetadataString(pipeline.MetaCorrelationID))
		assert.Empty(t, seen.MetadataString(pipeline.MetaCausationID))
	})

	t.Run("does not mutate the caller's context", func(t *testing.T) {
		t.Parallel()

		proc := pipeline.Correlation()(processing.Func(
			func(ctx context.Context, msg *message.Message, pc processing.Context) (processing.Result, error) {
				return processing.Successful(), nil
			}))

		pc := processing.NewContext("test")
		_, err := proc.Process(context.Background(), message.NewCommand(ChargeCard{}), pc)
		require.NoError(t, err)
		assert.Empty(t, pc.Metadata)
	})
}

func TestValidation(t *testing.T) {
	t.Parallel()

	positiveAmount := pipeline.ValidatorFunc(func(ctx context.Context, msg *message.Message) []error {
		if cmd, ok := msg.Payload.(ChargeCard); ok && cmd.Amount <= 0 {
			return []error{errors.New("amount must be positive")}
		}
		return nil
	})
	belowLimit := pipeline.ValidatorFunc(func(ctx context.Context, msg *message.Message) []error {
		if cmd, ok := msg.Payload.(ChargeCard); ok && cmd.Amount > 10_000 {
			return []error{errors.New("amount exceeds limit")}
		}
		return nil
	})

	t.Run("valid message passes through", func(t *testing.T) {
		t.Parallel()

		calls := 0
		proc := pipeline.Validation(positiveAmount, belowLimit)(succeedingProcessor(&calls))

		res, err := proc.Process(context.Background(), message.NewCommand(ChargeCard{Amount: 50}), processing.NewContext("test"))
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, 1, calls)
	})

	t.Run("invalid message short-circuits with joined violations", func(t *testing.T) {
		t.Parallel()

		calls := 0
		proc := pipeline.Validation(positiveAmount, belowLimit)(succeedingProcessor(&calls))

		res, err := proc.Process(context.Background(), message.NewCommand(ChargeCard{Amount: -1}), processing.NewContext("test"))
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.ErrorIs(t, res.Err, pipeline.ErrValidationFailed)
		assert.Contains(t, res.Message, "ChargeCard failed validation with 1 error(s)")
		assert.Equal(t, 0, calls)
	})

	t.Run("all validators run and aggregate", func(t *testing.T) {
		t.Parallel()

		alwaysFails := pipeline.ValidatorFunc(func(ctx context.Context, msg *message.Message) []error {
			return []error{errors.New("rule one"), errors.New("rule two")}
		})

		calls := 0
		proc := pipeline.Validation(alwaysFails, positiveAmount)(succeedingProcessor(&calls))

		res, err := proc.Process(context.Background(), message.NewCommand(ChargeCard{Amount: -1}), processing.NewContext("test"))
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Contains(t, res.Message, "3 error(s)")
		assert.Equal(t, 0, calls)
	})

	t.Run("no validators is a no-op", func(t *testing.T) {
		t.Parallel()

		calls := 0
		proc := pipeline.Validation()(succeedingProcessor(&calls))

		res, err := proc.Process(context.Background(), message.NewCommand(ChargeCard{Amount: -1}), processing.NewContext("test"))
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, 1, calls)
	})
}

type stubLimiter struct {
	decision pipeline.Decision
	err      error
	lastKey  string
}

func (l *stubLimiter) Acquire(ctx context.Context, key string, permits int) (pipeline.Decision, error) {
	l.lastKey = key
	return l.decision, l.err
}

func TestRateLimiting(t *testing.T) {
	t.Parallel()

	t.Run("allowed message passes through", func(t *testing.T) {
		t.Parallel()

		limiter := &stubLimiter{decision: pipeline.Decision{Allowed: true, Remaining: 9}}
		calls := 0
		proc := pipeline.RateLimiting(limiter)(succeedingProcessor(&calls))

		res, err := proc.Process(context.Background(), message.NewCommand(ChargeCard{}), processing.NewContext("test"))
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, 1, calls)
		assert.Equal(t, "ChargeCard", limiter.lastKey)
	})

	t.Run("denial is a failure with retry-after, not an error", func(t *testing.T) {
		t.Parallel()

		limiter := &stubLimiter{decision: pipeline.Decision{
			Allowed:    false,
			RetryAfter: 250 * time.Millisecond,
			Reason:     "token bucket empty",
		}}
		calls := 0
		proc := pipeline.RateLimiting(limiter)(succeedingProcessor(&calls))

		res, err := proc.Process(context.Background(), message.NewCommand(ChargeCard{}), processing.NewContext("test"))
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, 0, calls)
		assert.ErrorIs(t, res.Err, pipeline.ErrRateLimited)

		var rlErr *pipeline.RateLimitError
		require.ErrorAs(t, res.Err, &rlErr)
		assert.Equal(t, "ChargeCard", rlErr.Key)
		assert.Equal(t, 250*time.Millisecond, rlErr.RetryAfter)
	})

	t.Run("limiter errors propagate", func(t *testing.T) {
		t.Parallel()

		limiter := &stubLimiter{err: errors.New("limiter backend down")}
		calls := 0
		proc := pipeline.RateLimiting(limiter)(succeedingProcessor(&calls))

		_, err := proc.Process(context.Background(), message.NewCommand(ChargeCard{}), processing.NewContext("test"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "limiter backend down")
		assert.Equal(t, 0, calls)
	})
}
