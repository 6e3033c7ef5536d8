package inbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dmitrymomot/heromessaging/core/clock"
	"github.com/dmitrymomot/heromessaging/core/logger"
	"github.com/dmitrymomot/heromessaging/core/message"
)

// Polling cadence mirrors the outbox: tight while draining, relaxed when
// idle.
const (
	busyPollInterval = 100 * time.Millisecond
	idlePollInterval = 5 * time.Second
)

// Config holds processor tuning. Designed for environment-based
// configuration.
type Config struct {
	BatchSize       int           `env:"INBOX_BATCH_SIZE" envDefault:"100"`
	Workers         int           `env:"INBOX_WORKERS" envDefault:"1"`
	Retention       time.Duration `env:"INBOX_RETENTION" envDefault:"24h"`
	CleanupInterval time.Duration `env:"INBOX_CLEANUP_INTERVAL" envDefault:"1h"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:       100,
		Workers:         1,
		Retention:       24 * time.Hour,
		CleanupInterval: time.Hour,
	}
}

// Processor turns at-least-once delivery into exactly-once handling: it
// deduplicates incoming messages by ID, records accepted messages as
// pending entries, and a background loop dispatches them through the router
// into the in-process pipeline.
type Processor struct {
	store  Store
	router Router
	cfg    Config
	clk    clock.Clock
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithConfig overrides the processor configuration.
func WithConfig(cfg Config) ProcessorOption {
	return func(p *Processor) {
		if cfg.BatchSize > 0 {
			p.cfg.BatchSize = cfg.BatchSize
		}
		if cfg.Workers > 0 {
			p.cfg.Workers = cfg.Workers
		}
		if cfg.Retention > 0 {
			p.cfg.Retention = cfg.Retention
		}
		if cfg.CleanupInterval > 0 {
			p.cfg.CleanupInterval = cfg.CleanupInterval
		}
	}
}

// WithClock sets the clock driving polls and cleanup.
func WithClock(clk clock.Clock) ProcessorOption {
	return func(p *Processor) {
		if clk != nil {
			p.clk = clk
		}
	}
}

// WithLogger sets the processor logger. Default discards all output.
func WithLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewProcessor creates an inbox processor routing into router.
func NewProcessor(store Store, router Router, opts ...ProcessorOption) (*Processor, error) {
	if store == nil {
		return nil, ErrStoreNil
	}
	if router == nil {
		return nil, ErrRouterNil
	}

	p := &Processor{
		store:  store,
		router: router,
		cfg:    DefaultConfig(),
		clk:    clock.NewSystem(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// ProcessIncoming accepts or rejects one incoming message. Returns true
// when the message was recorded for dispatch, false when it is a duplicate
// (or lost an insertion race). A second message with the same ID inside
// the deduplication window never reaches a handler.
func (p *Processor) ProcessIncoming(ctx context.Context, msg *message.Message, opts Options) (bool, error) {
	if opts.RequireIdempotency {
		dup, err := p.store.IsDuplicate(ctx, msg.ID, opts.DeduplicationWindow)
		if err != nil {
			return false, fmt.Errorf("inbox duplicate check: %w", err)
		}
		if dup {
			p.logger.DebugContext(ctx, "duplicate message suppressed",
				logger.MessageID(msg.ID),
				logger.MessageName(msg.Name))
			return false, nil
		}
	}

	entry, err := p.store.Add(ctx, msg, opts)
	if err != nil {
		return false, fmt.Errorf("inbox add: %w", err)
	}
	if entry == nil {
		// Insertion race: another receiver recorded the same message first.
		return false, nil
	}
	return true, nil
}

// Start launches the poll workers and the cleanup loop, then blocks until
// ctx is cancelled or Stop is called.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "inbox processor started",
		logger.Count("workers", p.cfg.Workers),
		logger.Count("batch_size", p.cfg.BatchSize))

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.pollLoop(ctx)
	}
	p.wg.Add(1)
	go p.cleanupLoop(ctx)

	<-ctx.Done()
	p.wg.Wait()

	p.mu.Lock()
	p.cancel = nil
	p.mu.Unlock()

	p.logger.Info("inbox processor stopped")
	return ctx.Err()
}

// Stop cancels the background loops and waits for them to exit.
func (p *Processor) Stop() error {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()

	if cancel == nil {
		return ErrNotStarted
	}
	cancel()
	p.wg.Wait()
	return nil
}

// Run provides errgroup compatibility.
func (p *Processor) Run(ctx context.Context) func() error {
	return func() error {
		err := p.Start(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	}
}

func (p *Processor) pollLoop(ctx context.Context) {
	defer p.wg.Done()

	interval := busyPollInterval
	for {
		if err := p.clk.Delay(ctx, interval); err != nil {
			return
		}

		processed, err := p.pollOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.ErrorContext(ctx, "inbox poll failed", logger.Error(err))
		}

		if processed > 0 {
			interval = busyPollInterval
		} else {
			interval = idlePollInterval
		}
	}
}

func (p *Processor) pollOnce(ctx context.Context) (int, error) {
	entries, err := p.store.GetUnprocessed(ctx, p.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("get unprocessed: %w", err)
	}

	processed := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}

		claimed, err := p.store.MarkProcessing(ctx, entry.ID)
		if err != nil {
			return processed, fmt.Errorf("claim %s: %w", entry.ID, err)
		}
		if !claimed {
			continue
		}

		processed++
		p.dispatchEntry(ctx, entry)
	}
	return processed, nil
}

// dispatchEntry routes one claimed entry by message kind. Unknown kinds are
// logged and marked processed without side effect so they cannot wedge the
// queue.
func (p *Processor) dispatchEntry(ctx context.Context, entry *Entry) {
	var err error
	switch entry.Message.Kind {
	case message.KindCommand:
		err = p.router.Send(ctx, entry.Message)
	case message.KindEvent:
		err = p.router.Publish(ctx, entry.Message)
	default:
		p.logger.WarnContext(ctx, "unroutable inbox message",
			logger.EntryID(entry.ID),
			logger.Kind(string(entry.Message.Kind)))
	}

	if err != nil {
		p.logger.ErrorContext(ctx, "inbox dispatch failed",
			logger.EntryID(entry.ID),
			logger.MessageName(entry.Message.Name),
			logger.Error(err))
		if merr := p.store.MarkFailed(ctx, entry.ID, err.Error()); merr != nil {
			p.logger.ErrorContext(ctx, "mark failed failed",
				logger.EntryID(entry.ID),
				logger.Error(merr))
		}
		return
	}

	if merr := p.store.MarkProcessed(ctx, entry.ID); merr != nil {
		p.logger.ErrorContext(ctx, "mark processed failed",
			logger.EntryID(entry.ID),
			logger.Error(merr))
	}
}

func (p *Processor) cleanupLoop(ctx context.Context) {
	defer p.wg.Done()

	for {
		if err := p.clk.Delay(ctx, p.cfg.CleanupInterval); err != nil {
			return
		}

		removed, err := p.store.CleanupOldEntries(ctx, p.cfg.Retention)
		if err != nil {
			p.logger.ErrorContext(ctx, "inbox cleanup failed", logger.Error(err))
			continue
		}
		if removed > 0 {
			p.logger.InfoContext(ctx, "inbox cleanup", logger.Count("removed", removed))
		}
	}
}
