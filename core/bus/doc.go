// Package bus is the entry point of the messaging framework. It composes
// the registry with an opt-in decorator pipeline and exposes Send, Query,
// and Publish for synchronous dispatch, Enqueue for outbox-backed
// asynchronous publication, and ProcessIncoming for deduplicated intake of
// external messages.
//
// Stages are enabled through constructor options and always nest in the
// same order, outermost first: correlation, logging, metrics, validation,
// rate limiting, batching, idempotency, circuit breaker, retry, error
// handling, transaction, handler invocation.
//
// # Basic usage
//
//	reg := registry.New()
//	reg.RegisterCommand(registry.NewCommandHandler(func(ctx context.Context, cmd CreateUser) error {
//		return users.Create(ctx, cmd)
//	}))
//
//	b, err := bus.New(reg,
//		bus.WithLogger(logger),
//		bus.WithRetry(retry.DefaultPolicy()),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	err = b.Send(ctx, CreateUser{Email: "user@example.com"})
//
// # Background processors
//
// When an outbox or inbox is configured, Start runs their poll loops until
// the context is cancelled. Use Run with errgroup for coordinated shutdown:
//
//	g, ctx := errgroup.WithContext(context.Background())
//	g.Go(b.Run(ctx))
package bus
