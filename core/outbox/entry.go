package outbox

import (
	"time"

	"github.com/dmitrymomot/heromessaging/core/message"
)

// Status tracks an outbox entry's lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPublished  Status = "published"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether the status is final and eligible for cleanup
// after the retention window.
func (s Status) IsTerminal() bool {
	return s == StatusPublished || s == StatusFailed
}

// Options configures one entry's delivery.
type Options struct {
	// MaxRetries bounds publish attempts beyond the first. Zero uses the
	// processor default.
	MaxRetries int

	// Delay postpones the first publish attempt.
	Delay time.Duration

	// Destination names the downstream target (queue, topic, exchange).
	Destination string
}

// Entry is a message persisted inside the business transaction awaiting
// publication. The store owns an entry until it reaches a terminal status;
// terminal entries are retained for the cleanup window for auditability.
type Entry struct {
	ID            string           `json:"id"`
	Message       *message.Message `json:"message"`
	Options       Options          `json:"options"`
	Status        Status           `json:"status"`
	AttemptCount  int              `json:"attempt_count"`
	CreatedAt     time.Time        `json:"created_at"`
	LastAttemptAt time.Time        `json:"last_attempt_at,omitzero"`
	NextAttemptAt time.Time        `json:"next_attempt_at,omitzero"`
	Error         string           `json:"error,omitempty"`
}
