// Package circuitbreaker implements a three-state (closed/open/half-open)
// breaker over a sliding sample window, plus a pipeline decorator that
// rejects work while a downstream is failing.
package circuitbreaker
