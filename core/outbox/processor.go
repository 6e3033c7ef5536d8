package outbox

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
	"github.com/dmitrymomot/heromessaging/core/retry"
)

// Polling cadence: tight while the last poll returned work, relaxed when
// the outbox is drained.
const (
	busyPollInterval = 100 * time.Millisecond
	idlePollInterval = 5 * time.Second
)

// Config holds processor tuning. Designed for environment-based
// configuration.
type Config struct {
	BatchSize       int           `env:"OUTBOX_BATCH_SIZE" envDefault:"100"`
	Workers         int           `env:"OUTBOX_WORKERS" envDefault:"1"`
	MaxRetries      int           `env:"OUTBOX_MAX_RETRIES" envDefault:"3"`
	Retention       time.Duration `env:"OUTBOX_RETENTION" envDefault:"24h"`
	CleanupInterval time.Duration `env:"OUTBOX_CLEANUP_INTERVAL" envDefault:"1h"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:       100,
		Workers:         1,
		MaxRetries:      3,
		Retention:       24 * time.Hour,
		CleanupInterval: time.Hour,
	}
}

// Processor guarantees at-least-once publication: entries persisted inside
// the business transaction are polled in the background, claimed, and
// pushed through the Publisher with exponential-backoff redelivery.
// Entries that exhaust their budget go to the dead-letter sink.
//
// Multiple workers may poll concurrently; the store's conditional claim
// makes a double-claim a no-op rather than a double publish.
type Processor struct {
	store     Store
	publisher Publisher
	dlq       DeadLetterSink
	policy    retry.Policy
	cfg       Config
	clk       clock.Clock
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithDeadLetterSink routes exhausted entries to the sink.
func WithDeadLetterSink(sink DeadLetterSink) ProcessorOption {
	return func(p *Processor) {
		p.dlq = sink
	}
}

// WithRetryPolicy overrides the redelivery backoff policy.
func WithRetryPolicy(policy retry.Policy) ProcessorOption {
	return func(p *Processor) {
		p.policy = policy
	}
}

// WithConfig overrides the processor configuration.
func WithConfig(cfg Config) ProcessorOption {
	return func(p *Processor) {
		if cfg.BatchSize > 0 {
			p.cfg.BatchSize = cfg.BatchSize
		}
		if cfg.Workers > 0 {
			p.cfg.Workers = cfg.Workers
		}
		if cfg.MaxRetries > 0 {
			p.cfg.MaxRetries = cfg.MaxRetries
		}
		if cfg.Retention > 0 {
			p.cfg.Retention = cfg.Retention
		}
		if cfg.CleanupInterval > 0 {
			p.cfg.CleanupInterval = cfg.CleanupInterval
		}
	}
}

// WithClock sets the clock driving polls, backoff, and cleanup.
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

// NewProcessor creates an outbox processor.
func NewProcessor(store Store, publisher Publisher, opts ...ProcessorOption) (*Processor, error) {
	if store == nil {
		return nil, ErrStoreNil
	}
	if publisher == nil {
		return nil, ErrPublisherNil
	}

	p := &Processor{
		store:     store,
		publisher: publisher,
		policy:    retry.DefaultPolicy(),
		cfg:       DefaultConfig(),
		clk:       clock.NewSystem(),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Publish inserts a pending entry for the message inside the ambient
// transaction scope carried by ctx (the store adapter decides how that
// scope binds).
func (p *Processor) Publish(ctx context.Context, msg *message.Message, opts Options) (*Entry, error) {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = p.cfg.MaxRetries
	}
	entry, err := p.store.Add(ctx, msg, opts)
	if err != nil {
		return nil, fmt.Errorf("outbox add: %w", err)
	}
	return entry, nil
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

	p.logger.InfoContext(ctx, "outbox processor started",
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

	p.logger.Info("outbox processor stopped")
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

// Run provides errgroup compatibility:
//
//	g, ctx := errgroup.WithContext(context.Background())
//	g.Go(processor.Run(ctx))
func (p *Processor) Run(ctx context.Context) func() error {
	return func() error {
		err := p.Start(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	}
}

// pollLoop drains pending entries with adaptive cadence.
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
			p.logger.ErrorContext(ctx, "outbox poll failed", logger.Error(err))
		}

		if processed > 0 {
			interval = busyPollInterval
		} else {
			interval = idlePollInterval
		}
	}
}

// pollOnce claims and publishes one batch. Returns the number of entries
// this worker actually claimed.
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
			// Another worker won the race.
			continue
		}

		processed++
		p.publishEntry(ctx, entry)
	}
	return processed, nil
}

// publishEntry pushes one claimed entry downstream and applies the
// redelivery rules on failure.
func (p *Processor) publishEntry(ctx context.Context, entry *Entry) {
	err := p.publisher.Publish(ctx, entry)
	if err == nil {
		if merr := p.store.MarkPublished(ctx, entry.ID); merr != nil {
			p.logger.ErrorContext(ctx, "mark published failed",
				logger.EntryID(entry.ID),
				logger.Error(merr))
		}
		return
	}

	attempts := entry.AttemptCount + 1
	maxRetries := entry.Options.MaxRetries
	if maxRetries <= 0 {
		maxRetries = p.cfg.MaxRetries
	}

	if attempts > maxRetries {
		p.logger.WarnContext(ctx, "outbox entry exhausted retries",
			logger.EntryID(entry.ID),
			logger.MessageName(entry.Message.Name),
			logger.Count("attempts", attempts),
			logger.Error(err))

		if merr := p.store.MarkFailed(ctx, entry.ID, err.Error()); merr != nil {
			p.logger.ErrorContext(ctx, "mark failed failed",
				logger.EntryID(entry.ID),
				logger.Error(merr))
		}
		if p.dlq != nil {
			if derr := p.dlq.Send(ctx, entry, err); derr != nil {
				p.logger.ErrorContext(ctx, "dead letter delivery failed",
					logger.EntryID(entry.ID),
					logger.Error(derr))
			}
		}
		return
	}

	next := p.clk.Now().Add(p.policy.Delay(entry.AttemptCount))
	if rerr := p.store.Reschedule(ctx, entry.ID, next, attempts, err.Error()); rerr != nil {
		p.logger.ErrorContext(ctx, "reschedule failed",
			logger.EntryID(entry.ID),
			logger.Error(rerr))
	}
}

// cleanupLoop purges terminal entries past the retention window.
func (p *Processor) cleanupLoop(ctx context.Context) {
	defer p.wg.Done()

	for {
		if err := p.clk.Delay(ctx, p.cfg.CleanupInterval); err != nil {
			return
		}

		removed, err := p.store.CleanupOldEntries(ctx, p.cfg.Retention)
		if err != nil {
			p.logger.ErrorContext(ctx, "outbox cleanup failed", logger.Error(err))
			continue
		}
		if removed > 0 {
			p.logger.InfoContext(ctx, "outbox cleanup", logger.Count("removed", removed))
		}
	}
}
