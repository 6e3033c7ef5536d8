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
	"github.com/dmitrymomot/heromessaging/core/retry"
)

// zeroDelayPolicy retries transient failures without waiting so tests need
// no clock choreography.
func zeroDelayPolicy(maxRetries int) retry.Policy {
	return retry.Policy{MaxRetries: maxRetries, BaseDelay: 0, MaxDelay: time.Second}
}

func TestRetryDecorator(t *testing.T) {
	t.Parallel()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		t.Parallel()

		fake := clock.NewFake(time.Time{})
		calls := 0
		var retryCounts []int
		proc := pipeline.Retry(zeroDelayPolicy(3), fake)(processing.Func(
			func(ctx context.Context, msg *message.Message, pc processing.Context) (processing.Result, error) {
				calls++
				retryCounts = append(retryCounts, pc.RetryCount)
				if calls < 3 {
					return processing.Result{}, retry.Transient(errors.New("broker unavailable"))
				}
				return processing.Successful(), nil
			}))

		res, err := proc.Process(context.Background(), message.NewCommand(ChargeCard{}), processing.NewContext("test"))
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, 3, calls)
		assert.Equal(t, []int{0, 1, 2}, retryCounts)
	})

	t.Run("non-transient errors are not retried", func(t *testing.T) {
		t.Parallel()

		fake := clock.NewFake(time.Time{})
		calls := 0
		handlerErr := errors.New("business rule failed")
		proc := pipeline.Retry(zeroDelayPolicy(3), fake)(processing.Func(
			func(ctx context.Context, msg *message.Message, pc processing.Context) (processing.Result, error) {
				calls++
				return processing.Result{}, handlerErr
			}))

		_, err := proc.Process(context.Background(), message.NewCommand(ChargeCard{}), processing.NewContext("test"))
		assert.ErrorIs(t, err, handlerErr)
		assert.Equal(t, 1, calls)
	})

	t.Run("validation errors are not retried", func(t *testing.T) {
		t.Parallel()

		fake := clock.NewFake(time.Time{})
		calls := 0
		proc := pipeline.Retry(zeroDelayPolicy(3), fake)(processing.Func(
			func(ctx context.Context, msg *message.Message, pc processing.Context) (processing.Result, error) {
				calls++
				return processing.Result{}, errors.Join(retry.ErrValidation, errors.New("missing field"))
			}))

		_, err := proc.Process(context.Background(), message.NewCommand(ChargeCard{}), processing.NewContext("test"))
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("failed results with transient cause are retried", func(t *testing.T) {
		t.Parallel()

		fake := clock.NewFake(time.Time{})
		calls := 0
		proc := pipeline.Retry(zeroDelayPolicy(3), fake)(processing.Func(
			func(ctx context.Context, msg *message.Message, pc processing.Context) (processing.Result, error) {
				calls++
				if calls < 2 {
					return processing.Failed(retry.Transient(errors.New("queue full")), "queue full"), nil
				}
				return processing.Successful(), nil
			}))

		res, err := proc.Process(context.Background(), message.NewCommand(ChargeCard{}), processing.NewContext("test"))
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, 2, calls)
	})

	t.Run("exhaustion tags the last failure", func(t *testing.T) {
		t.Parallel()

		fake := clock.NewFake(time.Time{})
		calls := 0
		proc := pipeline.Retry(zeroDelayPolicy(2), fake)(processing.Func(
			func(ctx context.Context, msg *message.Message, pc processing.Context) (processing.Result, error) {
				calls++
				return processing.Failed(retry.Transient(errors.New("still down")), "still down"), nil
			}))

		res, err := proc.Process(context.Background(), message.NewCommand(ChargeCard{}), processing.NewContext("test"))
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, 3, calls) // initial attempt plus two retries
		assert.ErrorIs(t, res.Err, pipeline.ErrRetriesExhausted)
		assert.Contains(t, res.Message, "after 2 retries")
	})

	t.Run("delays flow through the clock", func(t *testing.T) {
		t.Parallel()

		fake := clock.NewFake(time.Time{})
		policy := retry.Policy{MaxRetries: 1, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

		calls := 0
		proc := pipeline.Retry(policy, fake)(processing.Func(
			func(ctx context.Context, msg *message.Message, pc processing.Context) (processing.Result, error) {
				calls++
				if calls == 1 {
					return processing.Result{}, retry.Transient(errors.New("timeout"))
				}
				return processing.Successful(), nil
			}))

		done := make(chan error, 1)
		go func() {
			_, err := proc.Process(context.Background(), message.NewCommand(ChargeCard{}), processing.NewContext("test"))
			done <- err
		}()

		// The retry is parked on the fake clock until virtual time moves.
		require.Eventually(t, func() bool {
			fake.Advance(100 * time.Millisecond)
			select {
			case err := <-done:
				require.NoError(t, err)
				return true
			default:
				return false
			}
		}, 5*time.Second, 10*time.Millisecond)
		assert.Equal(t, 2, calls)
	})

	t.Run("cancellation aborts the pending delay", func(t *testing.T) {
		t.Parallel()

		fake := clock.NewFake(time.Time{})
		policy := retry.Policy{MaxRetries: 3, BaseDelay: time.Hour, MaxDelay: time.Hour}

		proc := pipeline.Retry(policy, fake)(processing.Func(
			func(ctx context.Context, msg *message.Message, pc processing.Context) (processing.Result, error) {
				return processing.Result{}, retry.Transient(errors.New("down"))
			}))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			_, err := proc.Process(ctx, message.NewCommand(ChargeCard{}), processing.NewContext("test"))
			done <- err
		}()

		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(5 * time.Second):
			t.Fatal("cancelled retry did not return")
		}
	})
}
