package protocol

import (
	"errors"

	"github.com/hazyhaar/pgscope/internal/pgpool"
	"github.com/hazyhaar/pgscope/internal/tools"
)

// JSON-RPC 2.0 error codes, plus server-defined codes in the reserved
// -32000..-32099 range.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeResourceUnavailable = -32001
	CodeNotInitialized      = -32002
	CodeQueryTimeout        = -32011
)

func errParse() *RPCError {
	return &RPCError{Code: CodeParseError, Message: "parse error"}
}

func errInvalidRequest(msg string) *RPCError {
	return &RPCError{Code: CodeInvalidRequest, Message: msg}
}

func errMethodNotFound(method string) *RPCError {
	return &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + method}
}

func errInvalidParams(msg string, data any) *RPCError {
	return &RPCError{Code: CodeInvalidParams, Message: msg, Data: data}
}

func errNotInitialized() *RPCError {
	return &RPCError{Code: CodeNotInitialized, Message: "session not initialized: call 'initialize' first"}
}

// toolError maps executor outcomes onto wire errors. This is the only
// constructor on the response path, and it can only produce sanitized
// messages: internal fault detail never reaches the returned object.
func toolError(err error) *RPCError {
	var iae *tools.InvalidArgumentsError
	if errors.As(err, &iae) {
		return errInvalidParams(iae.Error(), map[string]any{"param": iae.Param})
	}
	switch {
	case errors.Is(err, tools.ErrUnknownTool):
		return &RPCError{Code: CodeMethodNotFound, Message: err.Error()}
	case errors.Is(err, tools.ErrResourceUnavailable),
		errors.Is(err, pgpool.ErrExhausted),
		errors.Is(err, pgpool.ErrUnavailable):
		return &RPCError{Code: CodeResourceUnavailable, Message: "database resource unavailable, retry with backoff"}
	case errors.Is(err, tools.ErrQueryTimeout):
		return &RPCError{Code: CodeQueryTimeout, Message: "query timed out, retry with backoff"}
	}
	var ie *tools.InternalError
	if errors.As(err, &ie) {
		return &RPCError{Code: CodeInternalError, Message: ie.PublicMessage()}
	}
	return &RPCError{Code: CodeInternalError, Message: "internal error"}
}
