package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/dmitrymomot/heromessaging/core/clock"
	"github.com/dmitrymomot/heromessaging/core/logger"
	"github.com/dmitrymomot/heromessaging/core/message"
)

// Registry routes messages to their handlers: one handler per command or
// query type, an ordered list per event type. Registration is a one-time
// setup step; the maps are read-only during normal operation, so lookups
// take no lock beyond the registration mutex's happens-before edge.
//
// Example:
//
//	reg := registry.New()
//	reg.RegisterCommand(registry.NewCommandHandler(createUser))
//	reg.RegisterEvent(registry.NewEventHandler(onUserCreated))
//	err := reg.Send(ctx, message.NewCommand(CreateUser{Email: "a@b.c"}))
type Registry struct {
	mu       sync.RWMutex
	commands map[string]CommandHandler
	queries  map[string]QueryHandler
	events   map[string][]EventHandler

	stats  sync.Map // message name -> *typeStats
	clk    clock.Clock
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the clock used for duration stats.
func WithClock(clk clock.Clock) Option {
	return func(r *Registry) {
		if clk != nil {
			r.clk = clk
		}
	}
}

// WithLogger sets the registry logger. Default discards all output.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		commands: make(map[string]CommandHandler),
		queries:  make(map[string]QueryHandler),
		events:   make(map[string][]EventHandler),
		clk:      clock.NewSystem(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterCommand registers the single handler for a command type.
// Panics if a handler is already registered for the type.
func (r *Registry) RegisterCommand(handler CommandHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := handler.Name()
	if _, exists := r.commands[name]; exists {
		panic(fmt.Sprintf("registry: duplicate command handler: %s", name))
	}
	r.commands[name] = handler
}

// RegisterQuery registers the single handler for a query type.
// Panics if a handler is already registered for the type.
func (r *Registry) RegisterQuery(handler QueryHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := handler.Name()
	if _, exists := r.queries[name]; exists {
		panic(fmt.Sprintf("registry: duplicate query handler: %s", name))
	}
	r.queries[name] = handler
}

// RegisterEvent appends a handler to the event type's list. Handlers are
// invoked in registration order.
func (r *Registry) RegisterEvent(handler EventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[handler.Name()] = append(r.events[handler.Name()], handler)
}

// Send routes a command to its handler. Returns ErrNoHandler when no
// handler is registered for the type; handler errors propagate verbatim.
// Cancellation short-circuits before handler entry.
func (r *Registry) Send(ctx context.Context, msg *message.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.RLock()
	handler, exists := r.commands[msg.Name]
	r.mu.RUnlock()
	if !exists {
		return fmt.Errorf("%w: %s", ErrNoHandler, msg.Name)
	}

	start := r.clk.Now()
	err := handler.Handle(ctx, msg.Payload)
	r.statsFor(msg.Name).record(r.clk.Elapsed(start), err != nil)
	return err
}

// Query routes a query to its handler and returns the handler's response.
func (r *Registry) Query(ctx context.Context, msg *message.Message) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if msg.Kind != message.KindQuery {
		return nil, fmt.Errorf("%w: %s is a %s", ErrNotQuery, msg.Name, msg.Kind)
	}

	r.mu.RLock()
	handler, exists := r.queries[msg.Name]
	r.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, msg.Name)
	}

	start := r.clk.Now()
	resp, err := handler.Handle(ctx, msg.Payload)
	r.statsFor(msg.Name).record(r.clk.Elapsed(start), err != nil)
	return resp, err
}

// Publish invokes every handler registered for the event type, in
// registration order. A handler failure does not cancel its siblings;
// failures are aggregated into one joined error. Publishing an event with
// no handlers is not an error.
func (r *Registry) Publish(ctx context.Context, msg *message.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.RLock()
	handlers := r.events[msg.Name]
	r.mu.RUnlock()

	if len(handlers) == 0 {
		r.logger.DebugContext(ctx, "no event handlers registered",
			logger.MessageName(msg.Name))
		return nil
	}

	start := r.clk.Now()
	var errs []error
	for _, handler := range handlers {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := handler.Handle(ctx, msg.Payload); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", msg.Name, err))
		}
	}

	err := errors.Join(errs...)
	r.statsFor(msg.Name).record(r.clk.Elapsed(start), err != nil)
	return err
}

// HasCommand reports whether a command handler exists for the message name.
func (r *Registry) HasCommand(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.commands[name]
	return ok
}

// Stats returns a snapshot of per-type counters and average latency over
// the rolling duration window.
func (r *Registry) Stats() map[string]TypeStats {
	out := make(map[string]TypeStats)
	r.stats.Range(func(key, value any) bool {
		out[key.(string)] = value.(*typeStats).snapshot()
		return true
	})
	return out
}

func (r *Registry) statsFor(name string) *typeStats {
	if s, ok := r.stats.Load(name); ok {
		return s.(*typeStats)
	}
	s, _ := r.stats.LoadOrStore(name, &typeStats{})
	return s.(*typeStats)
}
