package bus

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dmitrymomot/heromessaging/core/batch"
	"github.com/dmitrymomot/heromessaging/core/circuitbreaker"
	"github.com/dmitrymomot/heromessaging/core/clock"
	"github.com/dmitrymomot/heromessaging/core/idempotency"
	"github.com/dmitrymomot/heromessaging/core/inbox"
	"github.com/dmitrymomot/heromessaging/core/message"
	"github.com/dmitrymomot/heromessaging/core/outbox"
	"github.com/dmitrymomot/heromessaging/core/pipeline"
	"github.com/dmitrymomot/heromessaging/core/processing"
	"github.com/dmitrymomot/heromessaging/core/registry"
	"github.com/dmitrymomot/heromessaging/core/retry"
	"github.com/dmitrymomot/heromessaging/core/storage"
)

// Bus is the facade over the registry and its decorator pipeline. Construct
// it with New, register handlers on the registry, then dispatch through
// Send, Query, and Publish.
type Bus struct {
	registry *registry.Registry
	proc     processing.Processor
	batch    *batch.Accumulator
	outbox   *outbox.Processor
	inbox    *inbox.Processor
	clk      clock.Clock
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type builder struct {
	clk    clock.Clock
	logger *slog.Logger

	validators  []pipeline.Validator
	rateLimiter pipeline.RateLimiter
	metricsSink pipeline.MetricsSink

	batchOpts    *batch.Options
	idemStore    idempotency.Store
	idemTTL      time.Duration
	breakerCfg   *circuitbreaker.Config
	retryPolicy  *retry.Policy
	errorHandler pipeline.ErrorHandler
	errorRetries int
	txFactory    storage.UnitOfWorkFactory
	txLevel      storage.IsolationLevel

	outboxStore     outbox.Store
	outboxPublisher outbox.Publisher
	outboxOpts      []outbox.ProcessorOption
	inboxStore      inbox.Store
	inboxOpts       []inbox.ProcessorOption
}

// Option configures a Bus.
type Option func(*builder)

// WithClock sets the single time source for every pipeline stage and
// background processor. Tests pass a fake clock here.
func WithClock(clk clock.Clock) Option {
	return func(b *builder) {
		if clk != nil {
			b.clk = clk
		}
	}
}

// WithLogger sets the bus logger. Default discards all output.
func WithLogger(logger *slog.Logger) Option {
	return func(b *builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithValidators enables the validation stage with the given validators.
func WithValidators(validators ...pipeline.Validator) Option {
	return func(b *builder) {
		b.validators = append(b.validators, validators...)
	}
}

// WithRateLimiter enables the rate limiting stage.
func WithRateLimiter(limiter pipeline.RateLimiter) Option {
	return func(b *builder) { b.rateLimiter = limiter }
}

// WithMetrics enables the metrics stage, reporting into sink.
func WithMetrics(sink pipeline.MetricsSink) Option {
	return func(b *builder) { b.metricsSink = sink }
}

// WithBatching enables the batch accumulator between the outer stages and
// the reliability stages.
func WithBatching(opts batch.Options) Option {
	return func(b *builder) { b.batchOpts = &opts }
}

// WithIdempotency enables duplicate suppression backed by store. Results of
// successful processing are cached for ttl.
func WithIdempotency(store idempotency.Store, ttl time.Duration) Option {
	return func(b *builder) {
		b.idemStore = store
		b.idemTTL = ttl
	}
}

// WithCircuitBreaker enables the circuit breaker stage.
func WithCircuitBreaker(cfg circuitbreaker.Config) Option {
	return func(b *builder) { b.breakerCfg = &cfg }
}

// WithRetry enables the retry stage with the given policy.
func WithRetry(policy retry.Policy) Option {
	return func(b *builder) { b.retryPolicy = &policy }
}

// WithErrorHandler enables the error handling stage. The handler decides
// per failure whether to retry, dead-letter, or discard; maxRetries bounds
// its retry decisions.
func WithErrorHandler(handler pipeline.ErrorHandler, maxRetries int) Option {
	return func(b *builder) {
		b.errorHandler = handler
		b.errorRetries = maxRetries
	}
}

// WithTransactions wraps handler invocation in a unit of work from factory.
func WithTransactions(factory storage.UnitOfWorkFactory, level storage.IsolationLevel) Option {
	return func(b *builder) {
		b.txFactory = factory
		b.txLevel = level
	}
}

// WithOutbox enables Enqueue and the background outbox processor.
func WithOutbox(store outbox.Store, publisher outbox.Publisher, opts ...outbox.ProcessorOption) Option {
	return func(b *builder) {
		b.outboxStore = store
		b.outboxPublisher = publisher
		b.outboxOpts = opts
	}
}

// WithInbox enables ProcessIncoming and the background inbox processor.
// Accepted messages are dispatched through the bus pipeline.
func WithInbox(store inbox.Store, opts ...inbox.ProcessorOption) Option {
	return func(b *builder) {
		b.inboxStore = store
		b.inboxOpts = opts
	}
}

// New assembles a bus around reg. Optional stages are wired in a fixed
// order, outermost first: correlation, logging, metrics, validation, rate
// limiting, batching, idempotency, circuit breaker, retry, error handling,
// transaction, handler invocation.
//
// Example:
//
//	reg := registry.New()
//	reg.RegisterCommand(registry.NewCommandHandler(createUser))
//	b, err := bus.New(reg,
//		bus.WithRetry(retry.DefaultPolicy()),
//		bus.WithCircuitBreaker(circuitbreaker.DefaultConfig()),
//	)
func New(reg *registry.Registry, opts ...Option) (*Bus, error) {
	cfg := &builder{
		clk:    clock.NewSystem(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	b := &Bus{
		registry: reg,
		clk:      cfg.clk,
		logger:   cfg.logger,
	}

	inner := invoker(reg)
	if cfg.txFactory != nil {
		inner = transactional(inner, cfg.txFactory, cfg.txLevel)
	}

	// Chain makes the first decorator the outermost, so each group is
	// listed outermost first.
	var innerDecorators []pipeline.Decorator
	if cfg.idemStore != nil {
		innerDecorators = append(innerDecorators, pipeline.Idempotency(cfg.idemStore, cfg.idemTTL, cfg.clk))
	}
	if cfg.breakerCfg != nil {
		breaker := circuitbreaker.New(*cfg.breakerCfg, cfg.clk)
		innerDecorators = append(innerDecorators, circuitbreaker.Decorate(breaker))
	}
	if cfg.retryPolicy != nil {
		innerDecorators = append(innerDecorators, pipeline.Retry(*cfg.retryPolicy, cfg.clk))
	}
	if cfg.errorHandler != nil {
		innerDecorators = append(innerDecorators, pipeline.ErrorHandling(cfg.errorHandler, cfg.errorRetries, cfg.clk))
	}
	inner = pipeline.Chain(inner, innerDecorators...)

	if cfg.batchOpts != nil && cfg.batchOpts.Enabled {
		acc, err := batch.New(inner, *cfg.batchOpts, cfg.clk, batch.WithLogger(cfg.logger))
		if err != nil {
			return nil, err
		}
		b.batch = acc
		inner = acc
	}

	outerDecorators := []pipeline.Decorator{
		pipeline.Correlation(),
		pipeline.Logging(cfg.logger, cfg.clk),
	}
	if cfg.metricsSink != nil {
		outerDecorators = append(outerDecorators, pipeline.Metrics(cfg.metricsSink, cfg.clk))
	}
	if len(cfg.validators) > 0 {
		outerDecorators = append(outerDecorators, pipeline.Validation(cfg.validators...))
	}
	if cfg.rateLimiter != nil {
		outerDecorators = append(outerDecorators, pipeline.RateLimiting(cfg.rateLimiter))
	}
	b.proc = pipeline.Chain(inner, outerDecorators...)

	if cfg.outboxStore != nil {
		if cfg.outboxPublisher == nil {
			return nil, outbox.ErrPublisherNil
		}
		outboxOpts := append([]outbox.ProcessorOption{
			outbox.WithClock(cfg.clk),
			outbox.WithLogger(cfg.logger),
		}, cfg.outboxOpts...)
		proc, err := outbox.NewProcessor(cfg.outboxStore, cfg.outboxPublisher, outboxOpts...)
		if err != nil {
			return nil, err
		}
		b.outbox = proc
	}

	if cfg.inboxStore != nil {
		inboxOpts := append([]inbox.ProcessorOption{
			inbox.WithClock(cfg.clk),
			inbox.WithLogger(cfg.logger),
		}, cfg.inboxOpts...)
		proc, err := inbox.NewProcessor(cfg.inboxStore, busRouter{b}, inboxOpts...)
		if err != nil {
			return nil, err
		}
		b.inbox = proc
	}

	return b, nil
}

// invoker is the terminal pipeline stage: it hands the message to the
// registry by kind. Handler errors propagate as processing errors so the
// reliability stages can classify them.
func invoker(reg *registry.Registry) processing.Processor {
	return processing.Func(func(ctx context.Context, msg *message.Message, pc processing.Context) (processing.Result, error) {
		switch msg.Kind {
		case message.KindQuery:
			resp, err := reg.Query(ctx, msg)
			if err != nil {
				return processing.Result{}, err
			}
			return processing.SuccessfulWith(resp), nil
		case message.KindEvent:
			if err := reg.Publish(ctx, msg); err != nil {
				return processing.Result{}, err
			}
			return processing.Successful(), nil
		default:
			if err := reg.Send(ctx, msg); err != nil {
				return processing.Result{}, err
			}
			return processing.Successful(), nil
		}
	})
}

// transactional applies the rollback rule matching the message kind:
// queries commit even on failed results, everything else rolls back.
func transactional(inner processing.Processor, factory storage.UnitOfWorkFactory, level storage.IsolationLevel) processing.Processor {
	commands := pipeline.Transaction(factory, level, pipeline.TransactionCommand)(inner)
	queries := pipeline.Transaction(factory, level, pipeline.TransactionQuery)(inner)
	return processing.Func(func(ctx context.Context, msg *message.Message, pc processing.Context) (processing.Result, error) {
		if msg.Kind == message.KindQuery {
			return queries.Process(ctx, msg, pc)
		}
		return commands.Process(ctx, msg, pc)
	})
}

// busRouter dispatches inbox messages through the full pipeline rather than
// straight into the registry, so accepted external messages get the same
// reliability treatment as local ones.
type busRouter struct{ b *Bus }

func (r busRouter) Send(ctx context.Context, msg *message.Message) error {
	res, err := r.b.proc.Process(ctx, msg, processing.NewContext("inbox.dispatch"))
	return resultError(res, err)
}

func (r busRouter) Publish(ctx context.Context, msg *message.Message) error {
	res, err := r.b.proc.Process(ctx, msg, processing.NewContext("inbox.dispatch"))
	return resultError(res, err)
}
