package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dmitrymomot/heromessaging/core/batch"
	"github.com/dmitrymomot/heromessaging/core/inbox"
	"github.com/dmitrymomot/heromessaging/core/logger"
	"github.com/dmitrymomot/heromessaging/core/message"
	"github.com/dmitrymomot/heromessaging/core/outbox"
	"github.com/dmitrymomot/heromessaging/core/processing"
)

var (
	// ErrOutboxNotConfigured is returned by Enqueue when no outbox is set.
	ErrOutboxNotConfigured = errors.New("outbox is not configured")

	// ErrAlreadyStarted is returned when Start is called on a running bus.
	ErrAlreadyStarted = errors.New("bus already started")

	// ErrNotStarted is returned when Stop is called before Start.
	ErrNotStarted = errors.New("bus not started")
)

// Send routes a command payload through the pipeline to its single handler.
// The payload may be a raw command struct or a pre-built *message.Message.
//
// Example:
//
//	err := b.Send(ctx, CreateUser{Email: "user@example.com"})
func (b *Bus) Send(ctx context.Context, payload any) error {
	msg := b.toMessage(payload, message.KindCommand)
	res, err := b.proc.Process(ctx, msg, processing.NewContext("bus.send"))
	return resultError(res, err)
}

// Publish routes an event payload to every registered handler.
func (b *Bus) Publish(ctx context.Context, payload any) error {
	msg := b.toMessage(payload, message.KindEvent)
	res, err := b.proc.Process(ctx, msg, processing.NewContext("bus.publish"))
	return resultError(res, err)
}

// QueryAny routes a query payload to its handler and returns the untyped
// response. Prefer the generic Query helper.
func (b *Bus) QueryAny(ctx context.Context, payload any) (any, error) {
	msg := b.toMessage(payload, message.KindQuery)
	res, err := b.proc.Process(ctx, msg, processing.NewContext("bus.query"))
	if err := resultError(res, err); err != nil {
		return nil, err
	}
	return res.Response, nil
}

// Query routes a query payload to its handler and returns the typed
// response.
//
// Example:
//
//	user, err := bus.Query[User](ctx, b, GetUser{ID: id})
func Query[R any](ctx context.Context, b *Bus, payload any) (R, error) {
	var zero R
	resp, err := b.QueryAny(ctx, payload)
	if err != nil {
		return zero, err
	}
	typed, ok := resp.(R)
	if !ok {
		return zero, fmt.Errorf("query response type mismatch: expected %T, got %T", zero, resp)
	}
	return typed, nil
}

// SendBatch processes the commands and returns one result per input,
// preserving input order. Individual failures do not abort the rest.
func (b *Bus) SendBatch(ctx context.Context, payloads []any) []processing.Result {
	return b.processBatch(ctx, payloads, message.KindCommand, "bus.send_batch")
}

// PublishBatch processes the events and returns one result per input,
// preserving input order.
func (b *Bus) PublishBatch(ctx context.Context, payloads []any) []processing.Result {
	return b.processBatch(ctx, payloads, message.KindEvent, "bus.publish_batch")
}

func (b *Bus) processBatch(ctx context.Context, payloads []any, kind message.Kind, component string) []processing.Result {
	results := make([]processing.Result, len(payloads))

	var wg sync.WaitGroup
	for i, payload := range payloads {
		wg.Add(1)
		go func(i int, payload any) {
			defer wg.Done()
			msg := b.toMessage(payload, kind)
			res, err := b.proc.Process(ctx, msg, processing.NewContext(component))
			if err != nil {
				res = processing.Failed(err, msg.Name+" processing error")
			}
			results[i] = res
		}(i, payload)
	}
	wg.Wait()

	return results
}

// Enqueue persists the message to the outbox for reliable background
// publication to the named queue.
func (b *Bus) Enqueue(ctx context.Context, payload any, queueName string, opts outbox.Options) error {
	if b.outbox == nil {
		return ErrOutboxNotConfigured
	}
	opts.Destination = queueName

	msg := b.toMessage(payload, message.KindEvent)
	if _, err := b.outbox.Publish(ctx, msg, opts); err != nil {
		return err
	}
	return nil
}

// ProcessIncoming hands an externally received message to the inbox for
// deduplicated dispatch. Returns true when the message was accepted.
func (b *Bus) ProcessIncoming(ctx context.Context, msg *message.Message, opts inbox.Options) (bool, error) {
	if b.inbox == nil {
		return false, errors.New("inbox is not configured")
	}
	return b.inbox.ProcessIncoming(ctx, msg, opts)
}

// Start launches the configured background processors and blocks until ctx
// is cancelled or Stop is called.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.cancel != nil {
		b.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, b.cancel = context.WithCancel(ctx)
	b.mu.Unlock()

	if b.outbox != nil {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			if err := b.outbox.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				b.logger.Error("outbox processor exited", logger.Error(err))
			}
		}()
	}
	if b.inbox != nil {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			if err := b.inbox.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				b.logger.Error("inbox processor exited", logger.Error(err))
			}
		}()
	}

	b.logger.InfoContext(ctx, "bus started")
	<-ctx.Done()
	b.wg.Wait()

	b.mu.Lock()
	b.cancel = nil
	b.mu.Unlock()

	b.logger.Info("bus stopped")
	return ctx.Err()
}

// Stop cancels the background processors, waits for them to exit, and
// disposes the batch accumulator so every outstanding future resolves.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()

	if cancel == nil {
		return ErrNotStarted
	}
	cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if b.batch != nil {
		return b.batch.Stop(ctx)
	}
	return nil
}

// Run provides errgroup compatibility:
//
//	g, ctx := errgroup.WithContext(context.Background())
//	g.Go(b.Run(ctx))
func (b *Bus) Run(ctx context.Context) func() error {
	return func() error {
		err := b.Start(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	}
}

// Batch exposes the batch accumulator for test synchronization under
// virtual time. Nil when batching is not configured.
func (b *Bus) Batch() *batch.Accumulator {
	return b.batch
}

func (b *Bus) toMessage(payload any, kind message.Kind) *message.Message {
	if msg, ok := payload.(*message.Message); ok {
		// Pre-built messages are restamped so every dispatched message
		// carries a creation time from the bus clock.
		msg.CreatedAt = b.clk.Now()
		return msg
	}

	opt := message.WithClock(b.clk)
	switch kind {
	case message.KindQuery:
		return message.NewQuery(payload, opt)
	case message.KindEvent:
		return message.NewEvent(payload, opt)
	default:
		return message.NewCommand(payload, opt)
	}
}

// resultError collapses the (Result, error) pair into the caller-facing
// error: propagated errors win, then failed results surface their cause.
func resultError(res processing.Result, err error) error {
	if err != nil {
		return err
	}
	if res.Success {
		return nil
	}
	if res.Err != nil {
		return res.Err
	}
	return fmt.Errorf("processing failed: %s", res.Message)
}
