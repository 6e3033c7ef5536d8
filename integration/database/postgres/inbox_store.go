package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/heromessaging/core/clock"
	"github.com/dmitrymomot/heromessaging/core/inbox"
	"github.com/dmitrymomot/heromessaging/core/message"
)

// InboxSchema creates the inbox table. The unique index on message_id is
// what resolves concurrent inserts of the same message to a single winner.
const InboxSchema = `
CREATE TABLE IF NOT EXISTS inbox_entries (
	id           UUID PRIMARY KEY,
	message_id   TEXT NOT NULL,
	message      JSONB NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	received_at  TIMESTAMPTZ NOT NULL,
	processed_at TIMESTAMPTZ,
	error        TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_inbox_message_id ON inbox_entries (message_id);
CREATE INDEX IF NOT EXISTS idx_inbox_pending
	ON inbox_entries (received_at) WHERE status = 'pending';
`

// InboxStore is a PostgreSQL inbox.Store. Deduplication rides on the unique
// message_id index; an insert that hits the constraint lost the race and is
// reported as nil per the Store contract.
type InboxStore struct {
	pool *pgxpool.Pool
	clk  clock.Clock
}

// InboxStoreOption configures an InboxStore.
type InboxStoreOption func(*InboxStore)

// WithInboxStoreClock sets the clock used for windows and timestamps.
func WithInboxStoreClock(clk clock.Clock) InboxStoreOption {
	return func(s *InboxStore) {
		if clk != nil {
			s.clk = clk
		}
	}
}

// NewInboxStore creates a PostgreSQL-backed inbox store.
func NewInboxStore(pool *pgxpool.Pool, opts ...InboxStoreOption) *InboxStore {
	s := &InboxStore{
		pool: pool,
		clk:  clock.NewSystem(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureInboxSchema creates the inbox table if it does not exist.
func EnsureInboxSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, InboxSchema); err != nil {
		return fmt.Errorf("ensure inbox schema: %w", err)
	}
	return nil
}

func (s *InboxStore) Add(ctx context.Context, msg *message.Message, opts inbox.Options) (*inbox.Entry, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal inbox message: %w", err)
	}

	entry := &inbox.Entry{
		ID:         uuid.New().String(),
		Message:    msg,
		Options:    opts,
		Status:     inbox.StatusPending,
		ReceivedAt: s.clk.Now(),
	}

	q := resolveQuerier(ctx, s.pool)
	tag, err := q.Exec(ctx, `
		INSERT INTO inbox_entries (id, message_id, message, status, received_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (message_id) DO NOTHING`,
		entry.ID, msg.ID, payload, entry.Status, entry.ReceivedAt)
	if err != nil {
		return nil, fmt.Errorf("insert inbox entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Lost the insertion race; the caller treats nil as a rejection.
		return nil, nil
	}
	return entry, nil
}

func (s *InboxStore) GetUnprocessed(ctx context.Context, batchSize int) ([]*inbox.Entry, error) {
	q := resolveQuerier(ctx, s.pool)
	rows, err := q.Query(ctx, `
		SELECT id, message, status, received_at, processed_at, error
		FROM inbox_entries
		WHERE status = 'pending'
		ORDER BY received_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`,
		batchSize)
	if err != nil {
		return nil, fmt.Errorf("select unprocessed inbox entries: %w", err)
	}
	defer rows.Close()

	var entries []*inbox.Entry
	for rows.Next() {
		var (
			entry       inbox.Entry
			payload     []byte
			processedAt *time.Time
		)
		if err := rows.Scan(&entry.ID, &payload, &entry.Status, &entry.ReceivedAt, &processedAt, &entry.Error); err != nil {
			return nil, fmt.Errorf("scan inbox entry: %w", err)
		}

		var msg message.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, fmt.Errorf("unmarshal inbox message: %w", err)
		}
		entry.Message = &msg
		if processedAt != nil {
			entry.ProcessedAt = *processedAt
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

func (s *InboxStore) MarkProcessing(ctx context.Context, id string) (bool, error) {
	q := resolveQuerier(ctx, s.pool)
	tag, err := q.Exec(ctx, `
		UPDATE inbox_entries SET status = 'processing'
		WHERE id = $1 AND status = 'pending'`,
		id)
	if err != nil {
		return false, fmt.Errorf("claim inbox entry %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *InboxStore) MarkProcessed(ctx context.Context, id string) error {
	return s.finish(ctx, id, inbox.StatusProcessed, "")
}

func (s *InboxStore) MarkFailed(ctx context.Context, id string, errText string) error {
	return s.finish(ctx, id, inbox.StatusFailed, errText)
}

func (s *InboxStore) IsDuplicate(ctx context.Context, fingerprint string, window time.Duration) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM inbox_entries WHERE message_id = $1)`
	args := []any{fingerprint}
	if window > 0 {
		query = `SELECT EXISTS (SELECT 1 FROM inbox_entries WHERE message_id = $1 AND received_at >= $2)`
		args = append(args, s.clk.Now().Add(-window))
	}

	q := resolveQuerier(ctx, s.pool)
	var exists bool
	if err := q.QueryRow(ctx, query, args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("inbox duplicate check: %w", err)
	}
	return exists, nil
}

func (s *InboxStore) CleanupOldEntries(ctx context.Context, age time.Duration) (int, error) {
	q := resolveQuerier(ctx, s.pool)
	tag, err := q.Exec(ctx, `
		DELETE FROM inbox_entries
		WHERE status IN ('processed', 'failed') AND received_at < $1`,
		s.clk.Now().Add(-age))
	if err != nil {
		return 0, fmt.Errorf("cleanup inbox entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *InboxStore) finish(ctx context.Context, id string, status inbox.Status, errText string) error {
	q := resolveQuerier(ctx, s.pool)
	if _, err := q.Exec(ctx, `
		UPDATE inbox_entries SET status = $2, processed_at = $3, error = $4
		WHERE id = $1`,
		id, status, s.clk.Now(), errText); err != nil {
		return fmt.Errorf("finish inbox entry %s: %w", id, err)
	}
	return nil
}
