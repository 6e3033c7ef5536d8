package message

import (
	"maps"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/heromessaging/core/clock"
)

// Kind distinguishes the three message shapes the pipeline routes.
type Kind string

const (
	// KindCommand is an imperative message with exactly one handler and an
	// optional response.
	KindCommand Kind = "command"

	// KindQuery is a read message with exactly one handler and a mandatory
	// response.
	KindQuery Kind = "query"

	// KindEvent is a notification delivered to zero or more handlers, with
	// no response.
	KindEvent Kind = "event"
)

// Message is the unit of work flowing through the pipeline. The ID is
// assigned at construction, is unique within a process, and stays stable
// across retries so downstream deduplication can key on it.
//
// Messages are treated as immutable once constructed: decorators derive
// processing context instead of mutating the message.
type Message struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Kind          Kind           `json:"kind"`
	Payload       any            `json:"payload"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	CausationID   string         `json:"causation_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Option adjusts message construction.
type Option func(*Message)

// WithClock stamps CreatedAt from clk instead of the system clock. Pass a
// fake clock in tests so construction stays on virtual time.
func WithClock(clk clock.Clock) Option {
	return func(m *Message) {
		if clk != nil {
			m.CreatedAt = clk.Now()
		}
	}
}

var systemClock = clock.NewSystem()

// NewCommand creates a command message with an auto-generated ID.
// The message name is derived from the payload type.
//
// Example:
//
//	type CreateUser struct {
//	    Email string
//	}
//
//	msg := message.NewCommand(CreateUser{Email: "user@example.com"})
//	// msg.Name == "CreateUser", msg.Kind == message.KindCommand
func NewCommand(payload any, opts ...Option) *Message {
	return newMessage(KindCommand, payload, opts)
}

// NewQuery creates a query message with an auto-generated ID.
func NewQuery(payload any, opts ...Option) *Message {
	return newMessage(KindQuery, payload, opts)
}

// NewEvent creates an event message with an auto-generated ID.
func NewEvent(payload any, opts ...Option) *Message {
	return newMessage(KindEvent, payload, opts)
}

func newMessage(kind Kind, payload any, opts []Option) *Message {
	m := &Message{
		ID:      uuid.New().String(),
		Name:    Name(payload),
		Kind:    kind,
		Payload: payload,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = systemClock.Now()
	}
	return m
}

// WithCorrelation returns a copy of the message carrying the given
// correlation and causation identifiers. The original is not modified.
func (m *Message) WithCorrelation(correlationID, causationID string) *Message {
	clone := *m
	clone.CorrelationID = correlationID
	clone.CausationID = causationID
	return &clone
}

// WithMetadata returns a copy of the message with the key set in its
// metadata map. The original map is not modified.
func (m *Message) WithMetadata(key string, value any) *Message {
	clone := *m
	clone.Metadata = make(map[string]any, len(m.Metadata)+1)
	maps.Copy(clone.Metadata, m.Metadata)
	clone.Metadata[key] = value
	return &clone
}

// MetadataString returns the metadata value for key as a string.
// Returns empty string when the key is absent or not a string.
func (m *Message) MetadataString(key string) string {
	if v, ok := m.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// Name derives the message name from a payload instance. For structs and
// pointers to structs it returns the type name; unnamed types fall back to
// the type's string representation.
func Name(payload any) string {
	return nameOf(reflect.TypeOf(payload))
}

func nameOf(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() != "" {
		return t.Name()
	}
	return t.String()
}
