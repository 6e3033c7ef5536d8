// Package postgres provides PostgreSQL adapters for the messaging core:
// durable outbox and inbox stores, an idempotency record store, and a
// unit-of-work factory over pgx transactions.
//
// # Connection
//
// Connect creates a pgxpool with retry logic and verifies connectivity:
//
//	cfg := postgres.Config{ConnectionString: os.Getenv("PG_CONN_URL")}
//	pool, err := postgres.Connect(ctx, cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer pool.Close()
//
// # Transactional outbox
//
// Attach a transaction to the context with WithTx so the outbox insert
// commits atomically with domain writes:
//
//	tx, err := pool.Begin(ctx)
//	if err != nil {
//		return err
//	}
//	defer tx.Rollback(ctx) // Safe even after commit
//
//	ctx = postgres.WithTx(ctx, tx)
//	if _, err := tx.Exec(ctx, "INSERT INTO orders ...", args...); err != nil {
//		return err
//	}
//	if err := b.Enqueue(ctx, OrderCreated{ID: id}, "orders", outbox.Options{}); err != nil {
//		return err
//	}
//	return tx.Commit(ctx)
//
// Claims use conditional updates on the pending status, so concurrent
// workers never double-publish an entry. Call ResetProcessing on startup to
// recover entries claimed by a crashed worker.
//
// # Schema
//
// Each store ships its DDL as an exported constant (OutboxSchema,
// InboxSchema, IdempotencySchema) plus an Ensure helper for development
// setups. Production deployments should apply the DDL through their
// migration tooling.
package postgres
