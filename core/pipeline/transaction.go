package pipeline

import (
	"context"
	"fmt"

	"github.com/dmitrymomot/heromessaging/core/message"
	"github.com/dmitrymomot/heromessaging/core/processing"
	"github.com/dmitrymomot/heromessaging/core/storage"
)

// TransactionMode selects the rollback rule for the transaction decorator.
type TransactionMode int

const (
	// TransactionCommand rolls back on errors and on failed results.
	TransactionCommand TransactionMode = iota

	// TransactionQuery rolls back only on errors; reads commit even on
	// failed results so locks are released consistently.
	TransactionQuery
)

// Transaction opens a unit of work around inner processing. Success commits;
// an error rolls back and propagates; in command mode a failed result also
// rolls back. The rollback in the defer is a no-op after a commit.
func Transaction(factory storage.UnitOfWorkFactory, level storage.IsolationLevel, mode TransactionMode) Decorator {
	return func(next processing.Processor) processing.Processor {
		return processing.Func(func(ctx context.Context, msg *message.Message, pc processing.Context) (res processing.Result, err error) {
			uow, berr := factory.Begin(ctx, level)
			if berr != nil {
				return processing.Result{}, fmt.Errorf("begin unit of work: %w", berr)
			}
			defer func() {
				// Covers panics and every early return; harmless after Commit.
				_ = uow.Rollback(ctx)
			}()

			res, err = next.Process(ctx, msg, pc)
			if err != nil {
				return res, err
			}

			if mode == TransactionCommand && !res.Success {
				if rerr := uow.Rollback(ctx); rerr != nil {
					return res, fmt.Errorf("rollback unit of work: %w", rerr)
				}
				return res, nil
			}

			if cerr := uow.Commit(ctx); cerr != nil {
				return res, fmt.Errorf("commit unit of work: %w", cerr)
			}
			return res, nil
		})
	}
}
