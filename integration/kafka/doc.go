// Package kafka delivers outbox entries to Kafka topics named by the entry
// destination, keyed by message ID so redeliveries preserve partition
// ordering.
//
//	pub, err := kafka.NewPublisher(kafka.Config{
//		Brokers: []string{"localhost:9092"},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer pub.Close()
//
//	b, err := bus.New(reg, bus.WithOutbox(store, pub))
package kafka
