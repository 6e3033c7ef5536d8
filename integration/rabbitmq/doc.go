// Package rabbitmq delivers outbox entries to a RabbitMQ exchange with the
// entry destination as the routing key. Connections dial and redial with
// exponential backoff; publish failures surface to the outbox processor,
// which owns the retry schedule.
//
//	pub, err := rabbitmq.NewPublisher(ctx, rabbitmq.Config{
//		URL:      os.Getenv("RABBITMQ_URL"),
//		Exchange: "events",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer pub.Close()
//
//	b, err := bus.New(reg, bus.WithOutbox(store, pub))
package rabbitmq
