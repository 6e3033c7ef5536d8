package registry

import (
	"context"
	"fmt"

	"github.com/dmitrymomot/heromessaging/core/message"
)

// CommandHandler processes a single command type. Name is the message name
// the handler is registered under.
type CommandHandler interface {
	Name() string
	Handle(ctx context.Context, payload any) error
}

// QueryHandler processes a single query type and produces a response.
type QueryHandler interface {
	Name() string
	Handle(ctx context.Context, payload any) (any, error)
}

// EventHandler processes one event type. Multiple handlers may be
// registered for the same event.
type EventHandler interface {
	Name() string
	Handle(ctx context.Context, payload any) error
}

// commandHandlerFunc is a type-safe command handler with a reflection-derived name.
type commandHandlerFunc[T any] struct {
	name string
	fn   func(context.Context, T) error
}

// NewCommandHandler creates a type-safe command handler. The command name is
// derived from the type T.
//
// Example:
//
//	handler := registry.NewCommandHandler(func(ctx context.Context, cmd CreateUser) error {
//	    return db.Insert(ctx, cmd.Email)
//	})
func NewCommandHandler[T any](fn func(context.Context, T) error) CommandHandler {
	var zero T
	return &commandHandlerFunc[T]{name: message.Name(zero), fn: fn}
}

func (h *commandHandlerFunc[T]) Name() string { return h.name }

func (h *commandHandlerFunc[T]) Handle(ctx context.Context, payload any) error {
	cmd, ok := payload.(T)
	if !ok {
		return fmt.Errorf("%w: expected %s, got %T", ErrInvalidPayload, h.name, payload)
	}
	return h.fn(ctx, cmd)
}

type queryHandlerFunc[T, R any] struct {
	name string
	fn   func(context.Context, T) (R, error)
}

// NewQueryHandler creates a type-safe query handler producing R.
//
// Example:
//
//	handler := registry.NewQueryHandler(func(ctx context.Context, q GetUser) (User, error) {
//	    return db.Find(ctx, q.ID)
//	})
func NewQueryHandler[T, R any](fn func(context.Context, T) (R, error)) QueryHandler {
	var zero T
	return &queryHandlerFunc[T, R]{name: message.Name(zero), fn: fn}
}

func (h *queryHandlerFunc[T, R]) Name() string { return h.name }

func (h *queryHandlerFunc[T, R]) Handle(ctx context.Context, payload any) (any, error) {
	q, ok := payload.(T)
	if !ok {
		return nil, fmt.Errorf("%w: expected %s, got %T", ErrInvalidPayload, h.name, payload)
	}
	return h.fn(ctx, q)
}

type eventHandlerFunc[T any] struct {
	name string
	fn   func(context.Context, T) error
}

// NewEventHandler creates a type-safe event handler.
func NewEventHandler[T any](fn func(context.Context, T) error) EventHandler {
	var zero T
	return &eventHandlerFunc[T]{name: message.Name(zero), fn: fn}
}

func (h *eventHandlerFunc[T]) Name() string { return h.name }

func (h *eventHandlerFunc[T]) Handle(ctx context.Context, payload any) error {
	evt, ok := payload.(T)
	if !ok {
		return fmt.Errorf("%w: expected %s, got %T", ErrInvalidPayload, h.name, payload)
	}
	return h.fn(ctx, evt)
}
