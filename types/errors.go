package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the runtime.
type ErrorCode string

// Build-time error codes. These surface from Graph.Compile (or earlier, from
// the registration calls) and mean execution never starts.
const (
	ErrGraphIntegrity ErrorCode = "GRAPH_INTEGRITY"
	ErrDuplicateNode  ErrorCode = "DUPLICATE_NODE"
	ErrUnknownNode    ErrorCode = "UNKNOWN_NODE"
)

// Execution-time error codes. These transition a thread to StatusFailed and
// are reported through the run Result, never thrown across a resume boundary.
const (
	ErrInvalidRoute          ErrorCode = "INVALID_ROUTE"
	ErrMaxIterationsExceeded ErrorCode = "MAX_ITERATIONS_EXCEEDED"
	ErrNodeExecution         ErrorCode = "NODE_EXECUTION"
	ErrNodeTimeout           ErrorCode = "NODE_TIMEOUT"
	ErrCancelled             ErrorCode = "CANCELLED"
)

// Usage and lookup error codes.
const (
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrThreadBusy ErrorCode = "THREAD_BUSY"
)

// Error represents a structured runtime error with code, message, and the
// graph coordinates it occurred at.
type Error struct {
	Code     ErrorCode `json:"code"`
	Message  string    `json:"message"`
	NodeID   string    `json:"node_id,omitempty"`
	ThreadID string    `json:"thread_id,omitempty"`
	Cause    error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithNode sets the node id the error occurred at.
func (e *Error) WithNode(nodeID string) *Error {
	e.NodeID = nodeID
	return e
}

// WithThread sets the thread id the error belongs to.
func (e *Error) WithThread(threadID string) *Error {
	e.ThreadID = threadID
	return e
}

// GetErrorCode extracts the error code from an error, unwrapping as needed.
// Returns "" for nil or foreign errors.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// IsNotFound reports whether err is a NOT_FOUND lookup error.
func IsNotFound(err error) bool {
	return IsCode(err, ErrNotFound)
}
