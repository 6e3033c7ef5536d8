package inbox

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
// Deduplication indexes entries by message ID under the store mutex.
type MemoryStore struct {
	mu        sync.Mutex
	entries   map[string]*Entry
	byMessage map[string]string // message ID -> entry ID
	clk       clock.Clock
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithMemoryStoreClock sets the clock used for windows and timestamps.
func WithMemoryStoreClock(clk clock.Clock) MemoryStoreOption {
	return func(ms *MemoryStore) {
		if clk != nil {
			ms.clk = clk
		}
	}
}

// NewMemoryStore creates an empty in-memory inbox store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	ms := &MemoryStore{
		entries:   make(map[string]*Entry),
		byMessage: make(map[string]string),
		clk:       clock.NewSystem(),
	}
	for _, opt := range opts {
		opt(ms)
	}
	return ms
}

func (ms *MemoryStore) Add(ctx context.Context, msg *message.Message, opts Options) (*Entry, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, exists := ms.byMessage[msg.ID]; exists {
		// Lost the insertion race; the caller treats nil as a rejection.
		return nil, nil
	}

	entry := &Entry{
		ID:         uuid.New().String(),
		Message:    msg,
		Options:    opts,
		Status:     StatusPending,
		ReceivedAt: ms.clk.Now(),
	}
	ms.entries[entry.ID] = entry
	ms.byMessage[msg.ID] = entry.ID

	clone := *entry
	return &clone, nil
}

func (ms *MemoryStore) GetUnprocessed(ctx context.Context, batchSize int) ([]*Entry, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var pending []*Entry
	for _, e := range ms.entries {
		if e.Status == StatusPending {
			clone := *e
			pending = append(pending, &clone)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ReceivedAt.Before(pending[j].ReceivedAt) })

	if batchSize > 0 && len(pending) > batchSize {
		pending = pending[:batchSize]
	}
	return pending, nil
}

func (ms *MemoryStore) MarkProcessing(ctx context.Context, id string) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	e, ok := ms.entries[id]
	if !ok || e.Status != StatusPending {
		return false, nil
	}
	e.Status = StatusProcessing
	return true, nil
}

func (ms *MemoryStore) MarkProcessed(ctx context.Context, id string) error {
	return ms.finish(id, StatusProcessed, "")
}

func (ms *MemoryStore) MarkFailed(ctx context.Context, id string, errText string) error {
	return ms.finish(id, StatusFailed, errText)
}

func (ms *MemoryStore) IsDuplicate(ctx context.Context, fingerprint string, window time.Duration) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	entryID, exists := ms.byMessage[fingerprint]
	if !exists {
		return false, nil
	}
	if window <= 0 {
		return true, nil
	}

	e, ok := ms.entries[entryID]
	if !ok {
		return false, nil
	}
	return ms.clk.Now().Sub(e.ReceivedAt) <= window, nil
}

func (ms *MemoryStore) CleanupOldEntries(ctx context.Context, age time.Duration) (int, error) {
	cutoff := ms.clk.Now().Add(-age)

	ms.mu.Lock()
	defer ms.mu.Unlock()

	removed := 0
	for id, e := range ms.entries {
		if e.Status.IsTerminal() && e.ReceivedAt.Before(cutoff) {
			delete(ms.entries, id)
			delete(ms.byMessage, e.Message.ID)
			removed++
		}
	}
	return removed, nil
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

func (ms *MemoryStore) finish(id string, status Status, errText string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	e, ok := ms.entries[id]
	if !ok {
		return nil
	}
	e.Status = status
	e.ProcessedAt = ms.clk.Now()
	if errText != "" {
		e.Error = errText
	}
	return nil
}
