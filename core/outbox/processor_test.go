package outbox_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/heromessaging/core/clock"
	"github.com/dmitrymomot/heromessaging/core/message"
	"github.com/dmitrymomot/heromessaging/core/outbox"
	"github.com/dmitrymomot/heromessaging/core/retry"
)

type OrderPlaced struct {
	ID string
}

// capturingPublisher records published entries and fails the first failures
// invocations.
type capturingPublisher struct {
	mu       sync.Mutex
	entries  []*outbox.Entry
	failures int
	calls    int
}

func (p *capturingPublisher) Publish(ctx context.Context, entry *outbox.Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failures {
		return errors.New("broker unavailable")
	}
	p.entries = append(p.entries, entry)
	return nil
}

func (p *capturingPublisher) published() []*outbox.Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*outbox.Entry(nil), p.entries...)
}

// startProcessor runs the processor in the background and returns a stop
// function for cleanup.
func startProcessor(t *testing.T, p *outbox.Processor) context.CancelFunc {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Start(ctx)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("processor did not stop")
		}
	}
}

// zeroDelayPolicy reschedules failed entries for immediate redelivery.
func zeroDelayPolicy() retry.Policy {
	return retry.Policy{MaxRetries: 3, BaseDelay: 0, MaxDelay: time.Second}
}

func TestProcessorPublish(t *testing.T) {
	t.Parallel()

	t.Run("inserts a pending entry", func(t *testing.T) {
		t.Parallel()

		fake := clock.NewFake(time.Time{})
		store := outbox.NewMemoryStore(outbox.WithMemoryStoreClock(fake))
		proc, err := outbox.NewProcessor(store, &capturingPublisher{}, outbox.WithClock(fake))
		require.NoError(t, err)

		entry, err := proc.Publish(context.Background(), message.NewEvent(OrderPlaced{ID: "ord-1"}), outbox.Options{Destination: "orders"})
		require.NoError(t, err)

		assert.Equal(t, outbox.StatusPending, entry.Status)
		assert.Equal(t, "orders", entry.Options.Destination)
		// Zero max retries falls back to the processor default.
		assert.Equal(t, 3, entry.Options.MaxRetries)

		stored, ok := store.Get(entry.ID)
		require.True(t, ok)
		assert.Equal(t, outbox.StatusPending, stored.Status)
	})

	t.Run("delay postpones the first attempt", func(t *testing.T) {
		t.Parallel()

		fake := clock.NewFake(time.Time{})
		store := outbox.NewMemoryStore(outbox.WithMemoryStoreClock(fake))
		proc, err := outbox.NewProcessor(store, &capturingPublisher{}, outbox.WithClock(fake))
		require.NoError(t, err)

		entry, err := proc.Publish(context.Background(), message.NewEvent(OrderPlaced{}), outbox.Options{Delay: time.Minute})
		require.NoError(t, err)
		assert.Equal(t, fake.Now().Add(time.Minute), entry.NextAttemptAt)

		due, err := store.GetUnprocessed(context.Background(), 10)
		require.NoError(t, err)
		assert.Empty(t, due)

		fake.Advance(time.Minute)
		due, err = store.GetUnprocessed(context.Background(), 10)
		require.NoError(t, err)
		assert.Len(t, due, 1)
	})
}

func TestProcessorDelivery(t *testing.T) {
	t.Parallel()

	t.Run("publishes pending entries", func(t *testing.T) {
		t.Parallel()

		fake := clock.NewFake(time.Time{})
		store := outbox.NewMemoryStore(outbox.WithMemoryStoreClock(fake))
		publisher := &capturingPublisher{}
		proc, err := outbox.NewProcessor(store, publisher, outbox.WithClock(fake))
		require.NoError(t, err)

		entry, err := proc.Publish(context.Background(), message.NewEvent(OrderPlaced{ID: "ord-1"}), outbox.Options{Destination: "orders"})
		require.NoError(t, err)

		stop := startProcessor(t, proc)
		defer stop()

		require.Eventually(t, func() bool {
			fake.Advance(5 * time.Second)
			stored, ok := store.Get(entry.ID)
			return ok && stored.Status == outbox.StatusPublished
		}, 10*time.Second, 10*time.Millisecond)

		published := publisher.published()
		require.Len(t, published, 1)
		assert.Equal(t, "OrderPlaced", published[0].Message.Name)
		assert.Equal(t, "orders", published[0].Options.Destination)
	})

	t.Run("reschedules on failure then delivers", func(t *testing.T) {
		t.Parallel()

		fake := clock.NewFake(time.Time{})
		store := outbox.NewMemoryStore(outbox.WithMemoryStoreClock(fake))
		publisher := &capturingPublisher{failures: 2}
		proc, err := outbox.NewProcessor(store, publisher,
			outbox.WithClock(fake),
			outbox.WithRetryPolicy(zeroDelayPolicy()))
		require.NoError(t, err)

		entry, err := proc.Publish(context.Background(), message.NewEvent(OrderPlaced{}), outbox.Options{})
		require.NoError(t, err)

		stop := startProcessor(t, proc)
		defer stop()

		require.Eventually(t, func() bool {
			fake.Advance(5 * time.Second)
			stored, ok := store.Get(entry.ID)
			return ok && stored.Status == outbox.StatusPublished
		}, 10*time.Second, 10*time.Millisecond)

		stored, ok := store.Get(entry.ID)
		require.True(t, ok)
		assert.Equal(t, 2, stored.AttemptCount)
	})

	t.Run("exhausted entries go to the dead letter sink", func(t *testing.T) {
		t.Parallel()

		fake := clock.NewFake(time.Time{})
		store := outbox.NewMemoryStore(outbox.WithMemoryStoreClock(fake))
		publisher := &capturingPublisher{failures: 100}

		var mu sync.Mutex
		var deadLettered []*outbox.Entry
		sink := outbox.DeadLetterFunc(func(ctx context.Context, entry *outbox.Entry, cause error) error {
			mu.Lock()
			defer mu.Unlock()
			deadLettered = append(deadLettered, entry)
			return nil
		})

		proc, err := outbox.NewProcessor(store, publisher,
			outbox.WithClock(fake),
			outbox.WithRetryPolicy(zeroDelayPolicy()),
			outbox.WithDeadLetterSink(sink))
		require.NoError(t, err)

		entry, err := proc.Publish(context.Background(), message.NewEvent(OrderPlaced{}), outbox.Options{MaxRetries: 1})
		require.NoError(t, err)

		stop := startProcessor(t, proc)
		defer stop()

		require.Eventually(t, func() bool {
			fake.Advance(5 * time.Second)
			stored, ok := store.Get(entry.ID)
			return ok && stored.Status == outbox.StatusFailed
		}, 10*time.Second, 10*time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, deadLettered, 1)
		assert.Equal(t, entry.ID, deadLettered[0].ID)
	})
}

func TestProcessorLifecycle(t *testing.T) {
	t.Parallel()

	t.Run("start twice returns ErrAlreadyStarted", func(t *testing.T) {
		t.Parallel()

		fake := clock.NewFake(time.Time{})
		store := outbox.NewMemoryStore(outbox.WithMemoryStoreClock(fake))
		publisher := &capturingPublisher{}
		proc, err := outbox.NewProcessor(store, publisher, outbox.WithClock(fake))
		require.NoError(t, err)

		entry, err := proc.Publish(context.Background(), message.NewEvent(OrderPlaced{}), outbox.Options{})
		require.NoError(t, err)

		stop := startProcessor(t, proc)
		defer stop()

		// A published entry proves the first Start holds the lifecycle slot.
		require.Eventually(t, func() bool {
			fake.Advance(5 * time.Second)
			stored, ok := store.Get(entry.ID)
			return ok && stored.Status == outbox.StatusPublished
		}, 10*time.Second, 10*time.Millisecond)

		assert.ErrorIs(t, proc.Start(context.Background()), outbox.ErrAlreadyStarted)
	})

	t.Run("stop before start returns ErrNotStarted", func(t *testing.T) {
		t.Parallel()

		fake := clock.NewFake(time.Time{})
		store := outbox.NewMemoryStore(outbox.WithMemoryStoreClock(fake))
		proc, err := outbox.NewProcessor(store, &capturingPublisher{}, outbox.WithClock(fake))
		require.NoError(t, err)

		assert.ErrorIs(t, proc.Stop(), outbox.ErrNotStarted)
	})

	t.Run("run swallows cancellation", func(t *testing.T) {
		t.Parallel()

		fake := clock.NewFake(time.Time{})
		store := outbox.NewMemoryStore(outbox.WithMemoryStoreClock(fake))
		proc, err := outbox.NewProcessor(store, &capturingPublisher{}, outbox.WithClock(fake))
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- proc.Run(ctx)()
		}()

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("run did not return after cancellation")
		}
	})

	t.Run("nil dependencies are rejected", func(t *testing.T) {
		t.Parallel()

		_, err := outbox.NewProcessor(nil, &capturingPublisher{})
		assert.ErrorIs(t, err, outbox.ErrStoreNil)

		fake := clock.NewFake(time.Time{})
		store := outbox.NewMemoryStore(outbox.WithMemoryStoreClock(fake))
		_, err = outbox.NewProcessor(store, nil)
		assert.ErrorIs(t, err, outbox.ErrPublisherNil)
	})
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()

	t.Run("claim succeeds exactly once", func(t *testing.T) {
		t.Parallel()

		fake := clock.NewFake(time.Time{})
		store := outbox.NewMemoryStore(outbox.WithMemoryStoreClock(fake))

		entry, err := store.Add(context.Background(), message.NewEvent(OrderPlaced{}), outbox.Options{})
		require.NoError(t, err)

		claimed, err := store.MarkProcessing(context.Background(), entry.ID)
		require.NoError(t, err)
		assert.True(t, claimed)

		claimed, err = store.MarkProcessing(context.Background(), entry.ID)
		require.NoError(t, err)
		assert.False(t, claimed)
	})

	t.Run("reschedule returns the entry to pending", func(t *testing.T) {
		t.Parallel()

		fake := clock.NewFake(time.Time{})
		store := outbox.NewMemoryStore(outbox.WithMemoryStoreClock(fake))

		entry, err := store.Add(context.Background(), message.NewEvent(OrderPlaced{}), outbox.Options{})
		require.NoError(t, err)

		_, err = store.MarkProcessing(context.Background(), entry.ID)
		require.NoError(t, err)

		next := fake.Now().Add(time.Minute)
		require.NoError(t, store.Reschedule(context.Background(), entry.ID, next, 1, "broker unavailable"))

		stored, ok := store.Get(entry.ID)
		require.True(t, ok)
		assert.Equal(t, outbox.StatusPending, stored.Status)
		assert.Equal(t, 1, stored.AttemptCount)
		assert.Equal(t, next, stored.NextAttemptAt)
		assert.Equal(t, "broker unavailable", stored.Error)
	})

	t.Run("cleanup removes only old terminal entries", func(t *testing.T) {
		t.Parallel()

		fake := clock.NewFake(time.Time{})
		store := outbox.NewMemoryStore(outbox.WithMemoryStoreClock(fake))

		published, err := store.Add(context.Background(), message.NewEvent(OrderPlaced{}), outbox.Options{})
		require.NoError(t, err)
		require.NoError(t, store.MarkPublished(context.Background(), published.ID))

		pending, err := store.Add(context.Background(), message.NewEvent(OrderPlaced{}), outbox.Options{})
		require.NoError(t, err)

		fake.Advance(48 * time.Hour)

		fresh, err := store.Add(context.Background(), message.NewEvent(OrderPlaced{}), outbox.Options{})
		require.NoError(t, err)
		require.NoError(t, store.MarkPublished(context.Background(), fresh.ID))

		removed, err := store.CleanupOldEntries(context.Background(), 24*time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		_, ok := store.Get(published.ID)
		assert.False(t, ok)
		_, ok = store.Get(pending.ID)
		assert.True(t, ok, "pending entries survive cleanup")
		_, ok = store.Get(fresh.ID)
		assert.True(t, ok, "recent terminal entries survive cleanup")
	})

	t.Run("reset processing models crash recovery", func(t *testing.T) {
		t.Parallel()

		fake := clock.NewFake(time.Time{})
		store := outbox.NewMemoryStore(outbox.WithMemoryStoreClock(fake))

		entry, err := store.Add(context.Background(), message.NewEvent(OrderPlaced{}), outbox.Options{})
		require.NoError(t, err)

		claimed, err := store.MarkProcessing(context.Background(), entry.ID)
		require.NoError(t, err)
		require.True(t, claimed)

		// In-flight entries are invisible to pollers.
		due, err := store.GetUnprocessed(context.Background(), 10)
		require.NoError(t, err)
		assert.Empty(t, due)

		assert.Equal(t, 1, store.ResetProcessing(context.Background()))

		due, err = store.GetUnprocessed(context.Background(), 10)
		require.NoError(t, err)
		assert.Len(t, due, 1)
	})

	t.Run("batch size bounds the poll", func(t *testing.T) {
		t.Parallel()

		fake := clock.NewFake(time.Time{})
		store := outbox.NewMemoryStore(outbox.WithMemoryStoreClock(fake))

		for i := 0; i < 5; i++ {
			_, err := store.Add(context.Background(), message.NewEvent(OrderPlaced{}), outbox.Options{})
			require.NoError(t, err)
			fake.Advance(time.Millisecond)
		}

		due, err := store.GetUnprocessed(context.Background(), 3)
		require.NoError(t, err)
		assert.Len(t, due, 3)
	})
}
