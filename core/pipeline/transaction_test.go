package pipeline_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/heromessaging/core/message"
	"github.com/dmitrymomot/heromessaging/core/pipeline"
	"github.com/dmitrymomot/heromessaging/core/processing"
	"github.com/dmitrymomot/heromessaging/core/storage"
)

type fakeUnitOfWork struct {
	committed  bool
	rolledBack bool
	commitErr  error
}

func (u *fakeUnitOfWork) Commit(ctx context.Context) error {
	if u.commitErr != nil {
		return u.commitErr
	}
	u.committed = true
	return nil
}

func (u *fakeUnitOfWork) Rollback(ctx context.Context) error {
	if u.committed {
		return nil
	}
	u.rolledBack = true
	return nil
}

type fakeFactory struct {
	uow      *fakeUnitOfWork
	beginErr error
	level    storage.IsolationLevel
}

func (f *fakeFactory) Begin(ctx context.Context, level storage.IsolationLevel) (storage.UnitOfWork, error) {
	f.level = level
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	return f.uow, nil
}

func TestTransaction(t *testing.T) {
	t.Parallel()

	t.Run("success commits", func(t *testing.T) {
		t.Parallel()

		factory := &fakeFactory{uow: &fakeUnitOfWork{}}
		calls := 0
		proc := pipeline.Transaction(factory, storage.IsolationReadCommitted, pipeline.TransactionCommand)(succeedingProcessor(&calls))

		res, err := proc.Process(context.Background(), message.NewCommand(ChargeCard{}), processing.NewContext("test"))
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.True(t, factory.uow.committed)
		assert.False(t, factory.uow.rolledBack)
		assert.Equal(t, storage.IsolationReadCommitted, factory.level)
	})

	t.Run("error rolls back and propagates", func(t *testing.T) {
		t.Parallel()

		factory := &fakeFactory{uow: &fakeUnitOfWork{}}
		handlerErr := errors.New("insert failed")
		proc := pipeline.Transaction(factory, storage.IsolationDefault, pipeline.TransactionCommand)(processing.Func(
			func(ctx context.Context, msg *message.Message, pc processing.Context) (processing.Result, error) {
				return processing.Result{}, handlerErr
			}))

		_, err := proc.Process(context.Background(), message.NewCommand(ChargeCard{}), processing.NewContext("test"))
		assert.ErrorIs(t, err, handlerErr)
		assert.False(t, factory.uow.committed)
		assert.True(t, factory.uow.rolledBack)
	})

	t.Run("command mode rolls back on failed results", func(t *testing.T) {
		t.Parallel()

		factory := &fakeFactory{uow: &fakeUnitOfWork{}}
		proc := pipeline.Transaction(factory, storage.IsolationDefault, pipeline.TransactionCommand)(processing.Func(
			func(ctx context.Context, msg *message.Message, pc processing.Context) (processing.Result, error) {
				return processing.Failed(errors.New("declined"), "declined"), nil
			}))

		res, err := proc.Process(context.Background(), message.NewCommand(ChargeCard{}), processing.NewContext("test"))
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.False(t, factory.uow.committed)
		assert.True(t, factory.uow.rolledBack)
	})

	t.Run("query mode commits failed results", func(t *testing.T) {
		t.Parallel()

		factory := &fakeFactory{uow: &fakeUnitOfWork{}}
		proc := pipeline.Transaction(factory, storage.IsolationDefault, pipeline.TransactionQuery)(processing.Func(
			func(ctx context.Context, msg *message.Message, pc processing.Context) (processing.Result, error) {
				return processing.Failed(errors.New("not found"), "not found"), nil
			}))

		res, err := proc.Process(context.Background(), message.NewQuery(ChargeCard{}), processing.NewContext("test"))
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.True(t, factory.uow.committed)
		assert.False(t, factory.uow.rolledBack)
	})

	t.Run("begin failure never invokes inner", func(t *testing.T) {
		t.Parallel()

		factory := &fakeFactory{beginErr: errors.New("pool exhausted")}
		calls := 0
		proc := pipeline.Transaction(factory, storage.IsolationDefault, pipeline.TransactionCommand)(succeedingProcessor(&calls))

		_, err := proc.Process(context.Background(), message.NewCommand(ChargeCard{}), processing.NewContext("test"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "pool exhausted")
		assert.Equal(t, 0, calls)
	})

	t.Run("commit failure propagates", func(t *testing.T) {
		t.Parallel()

		factory := &fakeFactory{uow: &fakeUnitOfWork{commitErr: errors.New("serialization conflict")}}
		calls := 0
		proc := pipeline.Transaction(factory, storage.IsolationSerializable, pipeline.TransactionCommand)(succeedingProcessor(&calls))

		_, err := proc.Process(context.Background(), message.NewCommand(ChargeCard{}), processing.NewContext("test"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "serialization conflict")
	})

	t.Run("panic in inner still rolls back", func(t *testing.T) {
		t.Parallel()

		factory := &fakeFactory{uow: &fakeUnitOfWork{}}
		proc := pipeline.Transaction(factory, storage.IsolationDefault, pipeline.TransactionCommand)(processing.Func(
			func(ctx context.Context, msg *message.Message, pc processing.Context) (processing.Result, error) {
				panic("handler exploded")
			}))

		assert.Panics(t, func() {
			_, _ = proc.Process(context.Background(), message.NewCommand(ChargeCard{}), processing.NewContext("test"))
		})
		assert.True(t, factory.uow.rolledBack)
	})
}

func TestNopUnitOfWorkFactory(t *testing.T) {
	t.Parallel()

	uow, err := storage.NopUnitOfWorkFactory{}.Begin(context.Background(), storage.IsolationDefault)
	require.NoError(t, err)
	assert.NoError(t, uow.Commit(context.Background()))
	assert.NoError(t, uow.Rollback(context.Background()))
}
