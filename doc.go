// Package heromessaging is an in-process messaging framework for commands,
// queries, and events.
//
// Messages flow through a decorator pipeline that adds cross-cutting
// behavior around the registered handlers: correlation, logging, metrics,
// validation, rate limiting, batching, idempotent replay, circuit breaking,
// retries, error handling policies, and transactional boundaries. The
// pipeline is assembled by the bus package, which is the main entry point:
//
//	b, err := bus.New(
//		bus.WithHandlers(
//			registry.NewCommandHandler(createUser),
//			registry.NewEventHandler(onUserCreated),
//		),
//		bus.WithRetry(retry.Policy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond}),
//	)
//	if err != nil {
//		return err
//	}
//	err = b.Send(ctx, CreateUser{Email: "a@b.c"})
//
// Reliable delivery across process boundaries uses the outbox and inbox
// packages. Outgoing messages are staged in an outbox store in the same
// transaction as domain state, then published by a background processor
// with retries and dead-lettering. Incoming messages are recorded in an
// inbox store with deduplication before dispatch.
//
// Every time-dependent component takes a clock.Clock. The clock package
// ships a fake implementation with virtual time, so retries, rate limits,
// batch timeouts, and poll loops are all testable without real sleeps.
//
// Storage backends live under integration/: PostgreSQL stores for the
// outbox, inbox, and idempotency records, a Redis idempotency store, and
// Kafka and RabbitMQ publishers for the outbox.
package heromessaging
