package retry

import (
	"context"
	"errors"
	"net"
	"runtime"
)

// Class buckets an error for retry and error-policy decisions.
type Class int

const (
	// ClassUnknown covers errors with no recognized marker. Treated as a
	// handler error: not retried automatically, escalated by default.
	ClassUnknown Class = iota

	// ClassTransient covers timeouts, peer cancellations, and transport
	// hiccups. Retryable per policy.
	ClassTransient

	// ClassValidation covers input that failed a declared rule.
	// Never retried.
	ClassValidation

	// ClassCritical covers process-level faults (out of memory, stack
	// exhaustion, memory corruption). Never retried, always propagated.
	ClassCritical
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassValidation:
		return "validation"
	case ClassCritical:
		return "critical"
	default:
		return "unknown"
	}
}

var (
	// ErrTransient marks an error chain as retryable.
	ErrTransient = errors.New("transient error")

	// ErrValidation marks an error chain as a validation failure.
	ErrValidation = errors.New("validation error")

	// ErrCritical marks an error chain as a non-recoverable process fault.
	ErrCritical = errors.New("critical error")
)

// Transient wraps err so Classify reports it as transient.
func Transient(err error) error {
	return markedError{mark: ErrTransient, err: err}
}

// Critical wraps err so Classify reports it as critical.
func Critical(err error) error {
	return markedError{mark: ErrCritical, err: err}
}

type markedError struct {
	mark error
	err  error
}

func (e markedError) Error() string { return e.err.Error() }

func (e markedError) Unwrap() []error { return []error{e.mark, e.err} }

// Classify walks the error chain (including wrapped causes) and returns the
// strongest classification found. Critical outranks everything; validation
// outranks transient.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	switch {
	case errors.Is(err, ErrCritical):
		return ClassCritical
	case errors.Is(err, ErrValidation):
		return ClassValidation
	case errors.Is(err, ErrTransient),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ClassTransient
	}

	// Runtime faults (stack exhaustion, nil dereference recovered from a
	// panic) are never safe to retry.
	var rtErr runtime.Error
	if errors.As(err, &rtErr) {
		return ClassCritical
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}

	return ClassUnknown
}

// Retryable reports whether the error chain is safe to retry.
func Retryable(err error) bool {
	return Classify(err) == ClassTransient
}
