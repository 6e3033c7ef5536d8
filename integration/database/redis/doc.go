// Package redis provides Redis adapters for the messaging core: client
// initialization with retry logic and health checking, and an idempotency
// record store whose expiry rides on Redis TTLs.
//
//	client, err := redis.Connect(ctx, redis.Config{
//		ConnectionURL: os.Getenv("REDIS_URL"),
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	store := redis.NewIdempotencyStore(client)
//	b, err := bus.New(reg, bus.WithIdempotency(store, 24*time.Hour))
package redis
