package inbox

import (
	"time"

	"github.com/dmitrymomot/heromessaging/core/message"
)

// Status tracks an inbox entry's lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether the status is final and eligible for cleanup
// after the retention window. Duplicates never get a status: they are
// rejected before insertion.
func (s Status) IsTerminal() bool {
	return s == StatusProcessed || s == StatusFailed
}

// Options configures acceptance of one incoming message.
type Options struct {
	// RequireIdempotency enables the duplicate check on the message ID
	// before acceptance.
	RequireIdempotency bool

	// DeduplicationWindow bounds how far back the duplicate check looks.
	// Zero means unbounded.
	DeduplicationWindow time.Duration
}

// Entry is a received message recorded for deduplicated dispatch. The
// record is what turns at-least-once delivery into exactly-once handling.
type Entry struct {
	ID          string           `json:"id"`
	Message     *message.Message `json:"message"`
	Options     Options          `json:"options"`
	Status      Status           `json:"status"`
	ReceivedAt  time.Time        `json:"received_at"`
	ProcessedAt time.Time        `json:"processed_at,omitzero"`
	Error       string           `json:"error,omitempty"`
}
