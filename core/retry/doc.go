// Package retry provides the error classifier and the exponential-backoff
// delay calculator shared by the retry decorator and the outbox/inbox
// redelivery schedulers.
package retry
