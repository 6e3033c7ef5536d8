package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dmitrymomot/heromessaging/core/clock"
	"github.com/dmitrymomot/heromessaging/core/logger"
	"github.com/dmitrymomot/heromessaging/core/message"
	"github.com/dmitrymomot/heromessaging/core/processing"
)

// ErrProcessingHalted completes the futures of items skipped after a
// failure stopped a sequential batch.
var ErrProcessingHalted = errors.New("batch processing halted by earlier failure")

// ErrAccumulatorStopped is returned to callers enqueueing after disposal.
var ErrAccumulatorStopped = errors.New("batch accumulator is stopped")

// signalBuffer bounds the test-synchronization signal channels. Emits
// beyond the buffer are dropped, which only matters to consumers that
// stopped reading.
const signalBuffer = 1024

type outcome struct {
	res processing.Result
	err error
}

// item is one queued message with the single-shot future its caller awaits.
type item struct {
	ctx  context.Context
	msg  *message.Message
	pc   processing.Context
	done chan outcome
	once sync.Once
}

func (it *item) complete(res processing.Result, err error) {
	it.once.Do(func() {
		it.done <- outcome{res: res, err: err}
	})
}

// Accumulator coalesces messages into batches while preserving each
// caller's exact result: every enqueued item carries a single-shot future
// fulfilled exactly once, with the item's own outcome or cancellation.
//
// A background flush loop waits for either a size signal (MaxBatchSize
// reached) or the batch timeout, drains the queue in enqueue order, and
// processes the drain sequentially or with bounded parallelism. All waiting
// goes through the clock so tests can drive virtual time.
type Accumulator struct {
	opts   Options
	inner  processing.Processor
	clk    clock.Clock
	logger *slog.Logger

	mu     sync.Mutex
	queue  []*item
	queued atomic.Int64

	flushCh chan struct{}

	// Test-synchronization signals (see WaitLoopReady and
	// WaitIterationComplete). Counting semaphores, not latches.
	loopReady     chan struct{}
	iterationDone chan struct{}
	initialized   chan struct{}
	initOnce      sync.Once

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped atomic.Bool
}

// Option configures an Accumulator.
type Option func(*Accumulator)

// WithLogger sets the logger. Default discards all output.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Accumulator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// New creates an accumulator wrapping inner and starts its flush loop.
// New does not return until the loop has armed its first timer, so a test
// may advance the fake clock immediately after construction.
func New(inner processing.Processor, opts Options, clk clock.Clock, options ...Option) (*Accumulator, error) {
	if inner == nil {
		return nil, errors.New("batch: inner processor cannot be nil")
	}
	if clk == nil {
		return nil, errors.New("batch: clock cannot be nil")
	}
	opts.normalize()

	ctx, cancel := context.WithCancel(context.Background())
	a := &Accumulator{
		opts:          opts,
		inner:         inner,
		clk:           clk,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		flushCh:       make(chan struct{}, 1),
		loopReady:     make(chan struct{}, signalBuffer),
		iterationDone: make(chan struct{}, signalBuffer),
		initialized:   make(chan struct{}),
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range options {
		opt(a)
	}

	if !opts.Enabled {
		// No loop to run; Process bypasses the queue entirely.
		cancel()
		close(a.initialized)
		return a, nil
	}

	a.wg.Add(1)
	go a.flushLoop()

	<-a.initialized
	return a, nil
}

// Process enqueues the message and blocks until its future resolves. When
// batching is disabled it invokes inner synchronously.
func (a *Accumulator) Process(ctx context.Context, msg *message.Message, pc processing.Context) (processing.Result, error) {
	if !a.opts.Enabled {
		return a.inner.Process(ctx, msg, pc)
	}
	if a.stopped.Load() {
		return processing.Result{}, ErrAccumulatorStopped
	}

	it := &item{
		ctx:  ctx,
		msg:  msg,
		pc:   pc,
		done: make(chan outcome, 1),
	}

	a.mu.Lock()
	a.queue = append(a.queue, it)
	a.mu.Unlock()

	if a.queued.Add(1) >= int64(a.opts.MaxBatchSize) {
		a.signalFlush()
	}

	select {
	case <-ctx.Done():
		// The loop will complete the item as cancelled; the caller does
		// not wait for that.
		return processing.Result{}, ctx.Err()
	case out := <-it.done:
		return out.res, out.err
	}
}

// flushLoop is the background task: wait for a size signal or the timeout,
// drain, process, and emit the iteration-complete signal.
func (a *Accumulator) flushLoop() {
	defer a.wg.Done()

	for {
		timer := a.clk.NewTimer(a.opts.BatchTimeout)

		// The timer is armed: it is now safe for a virtual-time test to
		// advance the clock. The first arrival also releases New.
		a.initOnce.Do(func() { close(a.initialized) })
		emit(a.loopReady)

		select {
		case <-a.ctx.Done():
			timer.Stop()
			return
		case <-a.flushCh:
			timer.Stop()
		case <-timer.C():
		}

		queuedCount := a.queued.Swap(0)
		if queuedCount == 0 {
			emit(a.iterationDone)
			continue
		}

		items := a.drain(int(min(queuedCount, int64(a.opts.MaxBatchSize))))
		if leftover := queuedCount - int64(len(items)); leftover > 0 {
			// Items beyond MaxBatchSize stay queued for the next
			// iteration; restore their count and flush promptly.
			a.queued.Add(leftover)
			a.signalFlush()
		}

		a.processDrained(items)
		emit(a.iterationDone)
	}
}

func (a *Accumulator) drain(n int) []*item {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n > len(a.queue) {
		n = len(a.queue)
	}
	items := make([]*item, n)
	copy(items, a.queue[:n])
	a.queue = append(a.queue[:0], a.queue[n:]...)
	return items
}

// processDrained routes a drain through individual or batch processing and
// guarantees every item's future is fulfilled, including under panics.
func (a *Accumulator) processDrained(items []*item) {
	if len(items) < a.opts.MinBatchSize {
		a.processIndividually(items)
		return
	}

	if err := a.processBatch(items); err != nil {
		a.logger.Error("batch processing panicked",
			logger.Count("items", len(items)),
			logger.Error(err))

		if a.opts.FallbackToIndividualProcessing {
			a.processIndividually(items)
			return
		}
		for _, it := range items {
			it.complete(processing.Failed(err, "batch processing failed"), nil)
		}
	}
}

// processBatch runs one batch, sequentially or with bounded parallelism.
// A panic anywhere in the batch is returned as an error; individual item
// outcomes (including per-item errors) go to the item futures.
func (a *Accumulator) processBatch(items []*item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch panic: %v", r)
		}
	}()

	if a.opts.MaxDegreeOfParallelism == 1 {
		for i, it := range items {
			res, perr := a.processItem(it)
			it.complete(res, perr)

			if perr == nil && res.Success {
				continue
			}
			if !a.opts.ContinueOnFailure {
				for _, rest := range items[i+1:] {
					rest.complete(processing.Failed(ErrProcessingHalted, "processing halted"), nil)
				}
				return nil
			}
		}
		return nil
	}

	sem := make(chan struct{}, a.opts.MaxDegreeOfParallelism)
	var wg sync.WaitGroup
	for _, it := range items {
		sem <- struct{}{}
		wg.Add(1)
		go func(it *item) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					it.complete(processing.Failed(fmt.Errorf("batch panic: %v", r), "batch item panicked"), nil)
				}
			}()
			res, perr := a.processItem(it)
			it.complete(res, perr)
		}(it)
	}
	wg.Wait()
	return nil
}

// processIndividually honors each future one-by-one through inner. A panic
// from one item is contained so the remaining futures still resolve.
func (a *Accumulator) processIndividually(items []*item) {
	for _, it := range items {
		func(it *item) {
			defer func() {
				if r := recover(); r != nil {
					it.complete(processing.Failed(fmt.Errorf("item panic: %v", r), "item processing panicked"), nil)
				}
			}()
			res, err := a.processItem(it)
			it.complete(res, err)
		}(it)
	}
}

// processItem invokes inner for one item, honoring caller cancellation
// before entry.
func (a *Accumulator) processItem(it *item) (processing.Result, error) {
	if err := it.ctx.Err(); err != nil {
		return processing.Result{}, err
	}
	return a.inner.Process(it.ctx, it.msg, it.pc)
}

func (a *Accumulator) signalFlush() {
	select {
	case a.flushCh <- struct{}{}:
	default:
	}
}

// Stop cancels the flush loop, waits for it to exit, then drains whatever
// is still queued and processes it individually so every outstanding future
// resolves. Safe to call more than once.
func (a *Accumulator) Stop(ctx context.Context) error {
	if a.stopped.Swap(true) {
		return nil
	}
	a.cancel()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	a.queued.Store(0)
	a.mu.Lock()
	remaining := a.queue
	a.queue = nil
	a.mu.Unlock()

	a.processIndividually(remaining)
	return nil
}

// WaitLoopReady consumes one loop-ready-to-wait signal: the flush loop has
// armed its timer and it is safe to advance virtual time. Each emitted
// signal satisfies at most one waiter.
func (a *Accumulator) WaitLoopReady(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-a.loopReady:
		return nil
	}
}

// WaitIterationComplete consumes one iteration-complete signal, emitted at
// the end of every loop iteration including zero-item timeouts.
func (a *Accumulator) WaitIterationComplete(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-a.iterationDone:
		return nil
	}
}

func emit(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
