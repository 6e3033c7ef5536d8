// Package storage defines the unit-of-work port consumed by the transaction
// decorator and the reliability processors. Concrete adapters (postgres,
// memory) live outside the core.
package storage

import "context"

// IsolationLevel selects the transaction isolation for a unit of work.
// Adapters map unsupported levels to their nearest equivalent.
type IsolationLevel int

const (
	IsolationDefault IsolationLevel = iota
	IsolationReadCommitted
	IsolationRepeatableRead
	IsolationSerializable
)

func (l IsolationLevel) String() string {
	switch l {
	case IsolationReadCommitted:
		return "read committed"
	case IsolationRepeatableRead:
		return "repeatable read"
	case IsolationSerializable:
		return "serializable"
	default:
		return "default"
	}
}

// UnitOfWork is a transaction scope. Exactly one of Commit or Rollback must
// be called; Rollback after Commit is a no-op so it can run in a defer.
type UnitOfWork interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// UnitOfWorkFactory opens transaction scopes at a requested isolation level.
type UnitOfWorkFactory interface {
	Begin(ctx context.Context, level IsolationLevel) (UnitOfWork, error)
}

// NopUnitOfWorkFactory satisfies UnitOfWorkFactory with no-op scopes, for
// deployments without transactional storage.
type NopUnitOfWorkFactory struct{}

func (NopUnitOfWorkFactory) Begin(ctx context.Context, level IsolationLevel) (UnitOfWork, error) {
	return nopUnitOfWork{}, nil
}

type nopUnitOfWork struct{}

func (nopUnitOfWork) Commit(ctx context.Context) error   { return nil }
func (nopUnitOfWork) Rollback(ctx context.Context) error { return nil }
