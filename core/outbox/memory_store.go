package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/heromessaging/core/clock"
	"github.com/dmitrymomot/heromessaging/core/message"
)

// MemoryStore is an in-memory Store for tests and single-process use.
// Claims are atomic under the store mutex, which gives the same exactly-one
// winner guarantee skip-locked gives a SQL store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
	clk     clock.Clock
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithMemoryStoreClock sets the clock used for schedule checks.
func WithMemoryStoreClock(clk clock.Clock) MemoryStoreOption {
	return func(ms *MemoryStore) {
		if clk != nil {
			ms.clk = clk
		}
	}
}

// NewMemoryStore creates an empty in-memory outbox store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	ms := &MemoryStore{
		entries: make(map[string]*Entry),
		clk:     clock.NewSystem(),
	}
	for _, opt := range opts {
		opt(ms)
	}
	return ms
}

func (ms *MemoryStore) Add(ctx context.Context, msg *message.Message, opts Options) (*Entry, error) {
	now := ms.clk.Now()
	entry := &Entry{
		ID:            uuid.New().String(),
		Message:       msg,
		Options:       opts,
		Status:        StatusPending,
		CreatedAt:     now,
		NextAttemptAt: now.Add(opts.Delay),
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.entries[entry.ID] = entry

	clone := *entry
	return &clone, nil
}

func (ms *MemoryStore) GetUnprocessed(ctx context.Context, batchSize int) ([]*Entry, error) {
	now := ms.clk.Now()

	ms.mu.Lock()
	defer ms.mu.Unlock()

	var due []*Entry
	for _, e := range ms.entries {
		if e.Status == StatusPending && !e.NextAttemptAt.After(now) {
			clone := *e
			due = append(due, &clone)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })

	if batchSize > 0 && len(due) > batchSize {
		due = due[:batchSize]
	}
	return due, nil
}

func (ms *MemoryStore) MarkProcessing(ctx context.Context, id string) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	e, ok := ms.entries[id]
	if !ok || e.Status != StatusPending {
		return false, nil
	}
	e.Status = StatusProcessing
	e.LastAttemptAt = ms.clk.Now()
	return true, nil
}

func (ms *MemoryStore) MarkPublished(ctx context.Context, id string) error {
	return ms.setStatus(id, StatusPublished, "")
}

func (ms *MemoryStore) MarkFailed(ctx context.Context, id string, errText string) error {
	return ms.setStatus(id, StatusFailed, errText)
}

func (ms *MemoryStore) Reschedule(ctx context.Context, id string, nextAttemptAt time.Time, attemptCount int, errText string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	e, ok := ms.entries[id]
	if !ok {
		return nil
	}
	e.Status = StatusPending
	e.NextAttemptAt = nextAttemptAt
	e.AttemptCount = attemptCount
	e.Error = errText
	return nil
}

func (ms *MemoryStore) CleanupOldEntries(ctx context.Context, age time.Duration) (int, error) {
	cutoff := ms.clk.Now().Add(-age)

	ms.mu.Lock()
	defer ms.mu.Unlock()

	removed := 0
	for id, e := range ms.entries {
		if e.Status.IsTerminal() && e.CreatedAt.Before(cutoff) {
			delete(ms.entries, id)
			removed++
		}
	}
	return removed, nil
}

// ResetProcessing returns every in-flight entry to pending. Models crash
// recovery: entries claimed by a process that died are re-polled on the
// next cycle.
func (ms *MemoryStore) ResetProcessing(ctx context.Context) int {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	reset := 0
	for _, e := range ms.entries {
		if e.Status == StatusProcessing {
			e.Status = StatusPending
			reset++
		}
	}
	return reset
}

// Get returns a copy of the entry. Intended for tests.
func (ms *MemoryStore) Get(id string) (*Entry, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	e, ok := ms.entries[id]
	if !ok {
		return nil, false
	}
	clone := *e
	return &clone, true
}

func (ms *MemoryStore) setStatus(id string, status Status, errText string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	e, ok := ms.entries[id]
	if !ok {
		return nil
	}
	e.Status = status
	if errText != "" {
		e.Error = errText
	}
	return nil
}
