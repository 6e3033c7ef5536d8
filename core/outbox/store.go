package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/dmitrymomot/heromessaging/core/message"
)

var (
	// ErrStoreNil is returned when a processor is constructed without a store.
	ErrStoreNil = errors.New("outbox store cannot be nil")

	// ErrPublisherNil is returned when a processor is constructed without a
	// publisher.
	ErrPublisherNil = errors.New("outbox publisher cannot be nil")

	// ErrAlreadyStarted is returned when Start is called on a running
	// processor.
	ErrAlreadyStarted = errors.New("outbox processor already started")

	// ErrNotStarted is returned when Stop is called before Start.
	ErrNotStarted = errors.New("outbox processor not started")
)

// Store persists outbox entries. Implementations must provide conditional
// claim semantics: GetUnprocessed returns only entries due for an attempt,
// and MarkProcessing succeeds for exactly one concurrent claimer per entry
// (skip-locked or an equivalent; stores without the primitive can lease on
// read and report the race through the claimed return value).
type Store interface {
	// Add inserts a pending entry for the message.
	Add(ctx context.Context, msg *message.Message, opts Options) (*Entry, error)

	// GetUnprocessed returns up to batchSize pending entries whose
	// NextAttemptAt is due, oldest first.
	GetUnprocessed(ctx context.Context, batchSize int) ([]*Entry, error)

	// MarkProcessing claims the entry. Returns claimed=false when another
	// worker holds it (a double-claim resolves to a no-op, never a double
	// publish).
	MarkProcessing(ctx context.Context, id string) (claimed bool, err error)

	// MarkPublished transitions the entry to its terminal published state.
	MarkPublished(ctx context.Context, id string) error

	// MarkFailed transitions the entry to its terminal failed state.
	MarkFailed(ctx context.Context, id string, errText string) error

	// Reschedule returns a claimed entry to pending with the attempt
	// bookkeeping updated.
	Reschedule(ctx context.Context, id string, nextAttemptAt time.Time, attemptCount int, errText string) error

	// CleanupOldEntries purges terminal entries older than age and returns
	// the number removed.
	CleanupOldEntries(ctx context.Context, age time.Duration) (int, error)
}

// Publisher delivers a claimed entry downstream. Used by the flush loop;
// see integration/rabbitmq and integration/kafka for adapters.
type Publisher interface {
	Publish(ctx context.Context, entry *Entry) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, entry *Entry) error

func (f PublisherFunc) Publish(ctx context.Context, entry *Entry) error {
	return f(ctx, entry)
}

// DeadLetterSink receives entries that exhausted their retry budget.
type DeadLetterSink interface {
	Send(ctx context.Context, entry *Entry, cause error) error
}

// DeadLetterFunc adapts a function to the DeadLetterSink interface.
type DeadLetterFunc func(ctx context.Context, entry *Entry, cause error) error

func (f DeadLetterFunc) Send(ctx context.Context, entry *Entry, cause error) error {
	return f(ctx, entry, cause)
}
