package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/heromessaging/core/clock"
	"github.com/dmitrymomot/heromessaging/core/message"
	"github.com/dmitrymomot/heromessaging/core/outbox"
)

// OutboxSchema creates the outbox table. Apply it through your migration
// tooling or EnsureOutboxSchema.
const OutboxSchema = `
CREATE TABLE IF NOT EXISTS outbox_entries (
	id              UUID PRIMARY KEY,
	message         JSONB NOT NULL,
	destination     TEXT NOT NULL DEFAULT '',
	max_retries     INT NOT NULL DEFAULT 0,
	status          TEXT NOT NULL DEFAULT 'pending',
	attempt_count   INT NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL,
	last_attempt_at TIMESTAMPTZ,
	next_attempt_at TIMESTAMPTZ NOT NULL,
	error           TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_outbox_pending
	ON outbox_entries (next_attempt_at) WHERE status = 'pending';
`

// OutboxStore is a PostgreSQL outbox.Store. Polling selects pending rows
// with FOR UPDATE SKIP LOCKED so concurrent workers pass over rows another
// poller is touching, and claims are conditional updates on the pending
// status, so exactly one claimer wins per entry either way.
// Add joins a transaction carried in the context via WithTx, which is what
// makes the outbox pattern atomic with domain writes.
type OutboxStore struct {
	pool *pgxpool.Pool
	clk  clock.Clock
}

// OutboxStoreOption configures an OutboxStore.
type OutboxStoreOption func(*OutboxStore)

// WithOutboxStoreClock sets the clock used for scheduling comparisons.
func WithOutboxStoreClock(clk clock.Clock) OutboxStoreOption {
	return func(s *OutboxStore) {
		if clk != nil {
			s.clk = clk
		}
	}
}

// NewOutboxStore creates a PostgreSQL-backed outbox store.
func NewOutboxStore(pool *pgxpool.Pool, opts ...OutboxStoreOption) *OutboxStore {
	s := &OutboxStore{
		pool: pool,
		clk:  clock.NewSystem(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureOutboxSchema creates the outbox table if it does not exist.
func EnsureOutboxSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, OutboxSchema); err != nil {
		return fmt.Errorf("ensure outbox schema: %w", err)
	}
	return nil
}

func (s *OutboxStore) Add(ctx context.Context, msg *message.Message, opts outbox.Options) (*outbox.Entry, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal outbox message: %w", err)
	}

	now := s.clk.Now()
	entry := &outbox.Entry{
		ID:            uuid.New().String(),
		Message:       msg,
		Options:       opts,
		Status:        outbox.StatusPending,
		CreatedAt:     now,
		NextAttemptAt: now.Add(opts.Delay),
	}

	q := resolveQuerier(ctx, s.pool)
	_, err = q.Exec(ctx, `
		INSERT INTO outbox_entries (id, message, destination, max_retries, status, created_at, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, payload, opts.Destination, opts.MaxRetries, entry.Status, entry.CreatedAt, entry.NextAttemptAt)
	if err != nil {
		return nil, fmt.Errorf("insert outbox entry: %w", err)
	}
	return entry, nil
}

func (s *OutboxStore) GetUnprocessed(ctx context.Context, batchSize int) ([]*outbox.Entry, error) {
	q := resolveQuerier(ctx, s.pool)
	rows, err := q.Query(ctx, `
		SELECT id, message, destination, max_retries, status, attempt_count,
		       created_at, last_attempt_at, next_attempt_at, error
		FROM outbox_entries
		WHERE status = 'pending' AND next_attempt_at <= $1
		ORDER BY created_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`,
		s.clk.Now(), batchSize)
	if err != nil {
		return nil, fmt.Errorf("select unprocessed outbox entries: %w", err)
	}
	defer rows.Close()

	var entries []*outbox.Entry
	for rows.Next() {
		entry, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *OutboxStore) MarkProcessing(ctx context.Context, id string) (bool, error) {
	q := resolveQuerier(ctx, s.pool)
	tag, err := q.Exec(ctx, `
		UPDATE outbox_entries SET status = 'processing'
		WHERE id = $1 AND status = 'pending'`,
		id)
	if err != nil {
		return false, fmt.Errorf("claim outbox entry %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *OutboxStore) MarkPublished(ctx context.Context, id string) error {
	q := resolveQuerier(ctx, s.pool)
	if _, err := q.Exec(ctx, `
		UPDATE outbox_entries SET status = 'published', last_attempt_at = $2
		WHERE id = $1`,
		id, s.clk.Now()); err != nil {
		return fmt.Errorf("mark outbox entry %s published: %w", id, err)
	}
	return nil
}

func (s *OutboxStore) MarkFailed(ctx context.Context, id string, errText string) error {
	q := resolveQuerier(ctx, s.pool)
	if _, err := q.Exec(ctx, `
		UPDATE outbox_entries SET status = 'failed', last_attempt_at = $2, error = $3
		WHERE id = $1`,
		id, s.clk.Now(), errText); err != nil {
		return fmt.Errorf("mark outbox entry %s failed: %w", id, err)
	}
	return nil
}

func (s *OutboxStore) Reschedule(ctx context.Context, id string, nextAttemptAt time.Time, attemptCount int, errText string) error {
	q := resolveQuerier(ctx, s.pool)
	if _, err := q.Exec(ctx, `
		UPDATE outbox_entries
		SET status = 'pending', next_attempt_at = $2, attempt_count = $3,
		    last_attempt_at = $4, error = $5
		WHERE id = $1`,
		id, nextAttemptAt, attemptCount, s.clk.Now(), errText); err != nil {
		return fmt.Errorf("reschedule outbox entry %s: %w", id, err)
	}
	return nil
}

func (s *OutboxStore) CleanupOldEntries(ctx context.Context, age time.Duration) (int, error) {
	q := resolveQuerier(ctx, s.pool)
	tag, err := q.Exec(ctx, `
		DELETE FROM outbox_entries
		WHERE status IN ('published', 'failed') AND created_at < $1`,
		s.clk.Now().Add(-age))
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ResetProcessing returns stuck processing entries to pending. Run it on
// startup to recover entries claimed by a crashed worker.
func (s *OutboxStore) ResetProcessing(ctx context.Context) (int, error) {
	q := resolveQuerier(ctx, s.pool)
	tag, err := q.Exec(ctx, `
		UPDATE outbox_entries SET status = 'pending'
		WHERE status = 'processing'`)
	if err != nil {
		return 0, fmt.Errorf("reset processing outbox entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutboxEntry(row rowScanner) (*outbox.Entry, error) {
	var (
		entry         outbox.Entry
		payload       []byte
		lastAttemptAt *time.Time
	)
	if err := row.Scan(&entry.ID, &payload, &entry.Options.Destination, &entry.Options.MaxRetries,
		&entry.Status, &entry.AttemptCount, &entry.CreatedAt, &lastAttemptAt,
		&entry.NextAttemptAt, &entry.Error); err != nil {
		return nil, fmt.Errorf("scan outbox entry: %w", err)
	}

	var msg message.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal outbox message: %w", err)
	}
	entry.Message = &msg

	if lastAttemptAt != nil {
		entry.LastAttemptAt = *lastAttemptAt
	}
	return &entry, nil
}
