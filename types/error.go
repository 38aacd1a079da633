package types

import "fmt"

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Workflow state machine error codes
const (
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrTicketNotFound    ErrorCode = "TICKET_NOT_FOUND"
)

// Agent registry error codes
const (
	ErrDuplicateAgent ErrorCode = "DUPLICATE_AGENT"
	ErrAgentNotFound  ErrorCode = "AGENT_NOT_FOUND"
)

// Graph error codes (structural, fatal at build or traversal time)
const (
	ErrInvalidGraph       ErrorCode = "INVALID_GRAPH"
	ErrDanglingNode       ErrorCode = "DANGLING_NODE"
	ErrUnroutableDecision ErrorCode = "UNROUTABLE_DECISION"
)

// Checkpoint and queue error codes
const (
	ErrCheckpointNotFound   ErrorCode = "CHECKPOINT_NOT_FOUND"
	ErrCheckpointConsumed   ErrorCode = "CHECKPOINT_CONSUMED"
	ErrResumeValidation     ErrorCode = "RESUME_VALIDATION"
	ErrExecutionActive      ErrorCode = "EXECUTION_ALREADY_ACTIVE"
	ErrExecutionNotFound    ErrorCode = "EXECUTION_NOT_FOUND"
	ErrWorkflowNotSuspended ErrorCode = "WORKFLOW_NOT_SUSPENDED"
	ErrInternalError        ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
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

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given error code.
func HasCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
