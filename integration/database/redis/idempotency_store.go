package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/heromessaging/core/clock"
	"github.com/dmitrymomot/heromessaging/core/idempotency"
)

// defaultKeyPrefix namespaces idempotency records in a shared Redis.
const defaultKeyPrefix = "idempotency:"

// IdempotencyStore is a Redis idempotency.Store. Records are JSON values
// under a prefixed key with a Redis TTL, so expiry needs no sweeper.
type IdempotencyStore struct {
	client *redis.Client
	prefix string
	clk    clock.Clock
}

// IdempotencyStoreOption configures an IdempotencyStore.
type IdempotencyStoreOption func(*IdempotencyStore)

// WithKeyPrefix overrides the key namespace.
func WithKeyPrefix(prefix string) IdempotencyStoreOption {
	return func(s *IdempotencyStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithIdempotencyStoreClock sets the clock used to derive TTLs from record
// expiry times.
func WithIdempotencyStoreClock(clk clock.Clock) IdempotencyStoreOption {
	return func(s *IdempotencyStore) {
		if clk != nil {
			s.clk = clk
		}
	}
}

// NewIdempotencyStore creates a Redis-backed idempotency store.
func NewIdempotencyStore(client *redis.Client, opts ...IdempotencyStoreOption) *IdempotencyStore {
	s := &IdempotencyStore{
		client: client,
		prefix: defaultKeyPrefix,
		clk:    clock.NewSystem(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *IdempotencyStore) Get(ctx context.Context, fingerprint string) (*idempotency.Record, bool, error) {
	data, err := s.client.Get(ctx, s.prefix+fingerprint).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get idempotency record: %w", err)
	}

	var rec idempotency.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency record: %w", err)
	}
	return &rec, true, nil
}

func (s *IdempotencyStore) Set(ctx context.Context, record *idempotency.Record) error {
	if record == nil {
		return idempotency.ErrRecordNil
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}

	ttl := record.ExpiresAt.Sub(s.clk.Now())
	if ttl <= 0 {
		// Already expired; storing it would only resurrect a stale result.
		return nil
	}

	if err := s.client.Set(ctx, s.prefix+record.Fingerprint, data, ttl).Err(); err != nil {
		return fmt.Errorf("set idempotency record: %w", err)
	}
	return nil
}
