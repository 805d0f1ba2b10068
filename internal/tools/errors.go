package tools

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownTool is returned for names outside the catalog. Terminal,
	// never retried.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrResourceUnavailable maps pool exhaustion or an unreachable
	// database. Clients may retry with backoff.
	ErrResourceUnavailable = errors.New("database resource unavailable")
	// ErrQueryTimeout is returned when a tool query exceeds the configured
	// deadline. Retryable.
	ErrQueryTimeout = errors.New("query timed out")
)

// InvalidArgumentsError names the first offending parameter. Its message
// is safe to return to clients.
type InvalidArgumentsError struct {
	Param  string
	Reason string
}

func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Param, e.Reason)
}

// InternalError carries the raw backend fault for logging while exposing
// only a fixed public message. The response path can only ever see
// PublicMessage, so backend detail cannot leak by accident.
type InternalError struct {
	cause error
}

func NewInternalError(cause error) *InternalError {
	return &InternalError{cause: cause}
}

func (e *InternalError) Error() string { return e.PublicMessage() }
func (e *InternalError) Unwrap() error { return e.cause }
func (e *InternalError) Cause() string { return e.cause.Error() }

func (e *InternalError) PublicMessage() string {
	return "internal error executing tool"
}
