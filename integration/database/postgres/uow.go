package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/heromessaging/core/storage"
)

// UnitOfWorkFactory opens pgx transactions as storage.UnitOfWork scopes.
// The transaction is exposed through Context so stores invoked inside the
// scope join it via WithTx.
type UnitOfWorkFactory struct {
	pool *pgxpool.Pool
}

// NewUnitOfWorkFactory creates a factory over the connection pool.
func NewUnitOfWorkFactory(pool *pgxpool.Pool) *UnitOfWorkFactory {
	return &UnitOfWorkFactory{pool: pool}
}

func (f *UnitOfWorkFactory) Begin(ctx context.Context, level storage.IsolationLevel) (storage.UnitOfWork, error) {
	tx, err := f.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: isoLevel(level)})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &unitOfWork{tx: tx}, nil
}

type unitOfWork struct {
	tx pgx.Tx
}

// Context returns ctx with the transaction attached for store calls.
func (u *unitOfWork) Context(ctx context.Context) context.Context {
	return WithTx(ctx, u.tx)
}

func (u *unitOfWork) Commit(ctx context.Context) error {
	if err := u.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (u *unitOfWork) Rollback(ctx context.Context) error {
	err := u.tx.Rollback(ctx)
	if err == nil || errors.Is(err, pgx.ErrTxClosed) {
		// Deferred rollback after commit is a no-op.
		return nil
	}
	return fmt.Errorf("rollback transaction: %w", err)
}

func isoLevel(level storage.IsolationLevel) pgx.TxIsoLevel {
	switch level {
	case storage.IsolationReadCommitted:
		return pgx.ReadCommitted
	case storage.IsolationRepeatableRead:
		return pgx.RepeatableRead
	case storage.IsolationSerializable:
		return pgx.Serializable
	default:
		return ""
	}
}
