package inbox

import (
	"context"
	"errors"
	"time"

	"github.com/dmitrymomot/heromessaging/core/message"
)

var (
	// ErrStoreNil is returned when a processor is constructed without a store.
	ErrStoreNil = errors.New("inbox store cannot be nil")

	// ErrRouterNil is returned when a processor is constructed without a
	// router.
	ErrRouterNil = errors.New("inbox router cannot be nil")

	// ErrAlreadyStarted is returned when Start is called on a running
	// processor.
	ErrAlreadyStarted = errors.New("inbox processor already started")

	// ErrNotStarted is returned when Stop is called before Start.
	ErrNotStarted = errors.New("inbox processor not started")
)

// Store persists inbox entries and answers duplicate checks.
type Store interface {
	// Add inserts a pending entry for the message. Returns nil (no error)
	// when a concurrent insert for the same message ID won the race.
	Add(ctx context.Context, msg *message.Message, opts Options) (*Entry, error)

	// GetUnprocessed returns up to batchSize pending entries, oldest first.
	GetUnprocessed(ctx context.Context, batchSize int) ([]*Entry, error)

	// MarkProcessing claims the entry; claimed=false when another worker
	// holds it.
	MarkProcessing(ctx context.Context, id string) (claimed bool, err error)

	// MarkProcessed transitions the entry to its terminal processed state.
	MarkProcessed(ctx context.Context, id string) error

	// MarkFailed transitions the entry to its terminal failed state.
	MarkFailed(ctx context.Context, id string, errText string) error

	// IsDuplicate reports whether a message with the fingerprint was
	// already accepted within the window. A zero window means unbounded.
	IsDuplicate(ctx context.Context, fingerprint string, window time.Duration) (bool, error)

	// CleanupOldEntries purges terminal entries older than age and returns
	// the number removed.
	CleanupOldEntries(ctx context.Context, age time.Duration) (int, error)
}

// Router dispatches accepted messages into the in-process pipeline. The
// registry satisfies this interface.
type Router interface {
	Send(ctx context.Context, msg *message.Message) error
	Publish(ctx context.Context, msg *message.Message) error
}
