package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dmitrymomot/heromessaging/core/clock"
	"github.com/dmitrymomot/heromessaging/core/message"
	"github.com/dmitrymomot/heromessaging/core/processing"
)

// MetadataKey is the message metadata key that overrides the default
// fingerprint. When present on the message (or processing context), its
// string value is used verbatim; otherwise the fingerprint is "name:id".
// Metadata on the message wins over metadata on the context.
const MetadataKey = "idempotency_key"

// ErrRecordNil is returned when a nil record is passed to Set.
var ErrRecordNil = errors.New("idempotency record cannot be nil")

// Record is a cached processing outcome keyed by fingerprint. Response is
// kept serialized so stores can persist it opaquely.
type Record struct {
	Fingerprint string    `json:"fingerprint"`
	Success     bool      `json:"success"`
	Message     string    `json:"message,omitempty"`
	Response    []byte    `json:"response,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Store caches processing results for replay on duplicate fingerprints.
type Store interface {
	// Get returns the record for the fingerprint, or ok=false when absent
	// or expired.
	Get(ctx context.Context, fingerprint string) (*Record, bool, error)

	// Set stores the record until its expiry.
	Set(ctx context.Context, record *Record) error
}

// Fingerprint derives the idempotency key for a message. Precedence:
// message metadata override, then context metadata override, then the
// "name:id" default.
func Fingerprint(msg *message.Message, pc processing.Context) string {
	if key := msg.MetadataString(MetadataKey); key != "" {
		return key
	}
	if key := pc.MetadataString(MetadataKey); key != "" {
		return key
	}
	return msg.Name + ":" + msg.ID
}

// MemoryStore is an in-memory Store for tests and single-process use.
// Expired records are dropped lazily on read and can be swept with Cleanup.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	clock   clock.Clock
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithMemoryStoreClock sets the clock used for expiry checks.
func WithMemoryStoreClock(c clock.Clock) MemoryStoreOption {
	return func(ms *MemoryStore) {
		if c != nil {
			ms.clock = c
		}
	}
}

// NewMemoryStore creates an empty in-memory idempotency store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	ms := &MemoryStore{
		records: make(map[string]*Record),
		clock:   clock.NewSystem(),
	}
	for _, opt := range opts {
		opt(ms)
	}
	return ms
}

func (ms *MemoryStore) Get(ctx context.Context, fingerprint string) (*Record, bool, error) {
	ms.mu.RLock()
	rec, ok := ms.records[fingerprint]
	ms.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if !rec.ExpiresAt.IsZero() && !rec.ExpiresAt.After(ms.clock.Now()) {
		ms.mu.Lock()
		delete(ms.records, fingerprint)
		ms.mu.Unlock()
		return nil, false, nil
	}

	clone := *rec
	return &clone, true, nil
}

func (ms *MemoryStore) Set(ctx context.Context, record *Record) error {
	if record == nil {
		return ErrRecordNil
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	clone := *record
	ms.records[record.Fingerprint] = &clone
	return nil
}

// Cleanup removes every expired record and returns the number dropped.
func (ms *MemoryStore) Cleanup(ctx context.Context) int {
	now := ms.clock.Now()

	ms.mu.Lock()
	defer ms.mu.Unlock()

	dropped := 0
	for fp, rec := range ms.records {
		if !rec.ExpiresAt.IsZero() && !rec.ExpiresAt.After(now) {
			delete(ms.records, fp)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of live records. Intended for tests.
func (ms *MemoryStore) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.records)
}
