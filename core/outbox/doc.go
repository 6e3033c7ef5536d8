// Package outbox implements the transactional outbox pattern: messages are
// persisted as pending entries inside the business transaction, and a
// background processor publishes them downstream at least once, with
// exponential-backoff redelivery and a dead-letter sink for exhausted
// entries.
package outbox
