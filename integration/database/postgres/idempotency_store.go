package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/heromessaging/core/clock"
	"github.com/dmitrymomot/heromessaging/core/idempotency"
)

// IdempotencySchema creates the idempotency record table.
const IdempotencySchema = `
CREATE TABLE IF NOT EXISTS idempotency_records (
	fingerprint TEXT PRIMARY KEY,
	success     BOOLEAN NOT NULL,
	message     TEXT NOT NULL DEFAULT '',
	response    BYTEA,
	expires_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_records (expires_at);
`

// IdempotencyStore is a PostgreSQL idempotency.Store. Records are upserted
// by fingerprint; expired records are invisible to Get and swept by Cleanup.
type IdempotencyStore struct {
	pool *pgxpool.Pool
	clk  clock.Clock
}

// IdempotencyStoreOption configures an IdempotencyStore.
type IdempotencyStoreOption func(*IdempotencyStore)

// WithIdempotencyStoreClock sets the clock used for expiry checks.
func WithIdempotencyStoreClock(clk clock.Clock) IdempotencyStoreOption {
	return func(s *IdempotencyStore) {
		if clk != nil {
			s.clk = clk
		}
	}
}

// NewIdempotencyStore creates a PostgreSQL-backed idempotency store.
func NewIdempotencyStore(pool *pgxpool.Pool, opts ...IdempotencyStoreOption) *IdempotencyStore {
	s := &IdempotencyStore{
		pool: pool,
		clk:  clock.NewSystem(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureIdempotencySchema creates the record table if it does not exist.
func EnsureIdempotencySchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, IdempotencySchema); err != nil {
		return fmt.Errorf("ensure idempotency schema: %w", err)
	}
	return nil
}

func (s *IdempotencyStore) Get(ctx context.Context, fingerprint string) (*idempotency.Record, bool, error) {
	q := resolveQuerier(ctx, s.pool)
	var rec idempotency.Record
	err := q.QueryRow(ctx, `
		SELECT fingerprint, success, message, response, expires_at
		FROM idempotency_records
		WHERE fingerprint = $1 AND expires_at > $2`,
		fingerprint, s.clk.Now()).
		Scan(&rec.Fingerprint, &rec.Success, &rec.Message, &rec.Response, &rec.ExpiresAt)
	if err != nil {
		if IsNotFoundError(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get idempotency record: %w", err)
	}
	return &rec, true, nil
}

func (s *IdempotencyStore) Set(ctx context.Context, record *idempotency.Record) error {
	if record == nil {
		return idempotency.ErrRecordNil
	}

	q := resolveQuerier(ctx, s.pool)
	if _, err := q.Exec(ctx, `
		INSERT INTO idempotency_records (fingerprint, success, message, response, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (fingerprint) DO UPDATE
		SET success = EXCLUDED.success, message = EXCLUDED.message,
		    response = EXCLUDED.response, expires_at = EXCLUDED.expires_at`,
		record.Fingerprint, record.Success, record.Message, record.Response, record.ExpiresAt); err != nil {
		return fmt.Errorf("set idempotency record: %w", err)
	}
	return nil
}

// Cleanup removes expired records and returns the number dropped.
func (s *IdempotencyStore) Cleanup(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM idempotency_records WHERE expires_at <= $1`,
		s.clk.Now())
	if err != nil {
		return 0, fmt.Errorf("cleanup idempotency records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
