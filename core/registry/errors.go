package registry

import "errors"

var (
	// ErrNoHandler is returned when a command or query has no registered
	// handler.
	ErrNoHandler = errors.New("no handler registered for message")

	// ErrInvalidPayload is returned when a payload does not match the
	// handler's expected type.
	ErrInvalidPayload = errors.New("invalid payload type")

	// ErrNotQuery is returned when a query operation receives a non-query
	// message.
	ErrNotQuery = errors.New("message is not a query")
)
