package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates that a workflow, execution or record does not exist
	ErrNotFound = errors.New("not found")

	// ErrNotRecoverable indicates that an execution is not in a state recovery accepts
	ErrNotRecoverable = errors.New("execution is not recoverable")

	// ErrInvalidTransition indicates a status change the tracker refuses
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrUnknownNodeType indicates that no executor is registered for a node type
	ErrUnknownNodeType = errors.New("unknown node type")

	// ErrCancelled is returned to node logic whose execution has been cancelled
	ErrCancelled = errors.New("execution cancelled")

	// ErrTimeout indicates that an operation timed out
	ErrTimeout = errors.New("operation timed out")
)

// Error codes carried by Error and reported by Categorize.
const (
	CodeUnknown       = "UNKNOWN_ERROR"
	CodeGraph         = "GRAPH_ERROR"
	CodeNodeExecution = "NODE_EXECUTION_ERROR"
	CodeRetryable     = "RETRYABLE_ERROR"
	CodeTimeout       = "TIMEOUT_ERROR"
	CodeNetwork       = "NETWORK_ERROR"
	CodeResourceLimit = "RESOURCE_LIMIT_ERROR"
	CodeConflict      = "CONFLICT_ERROR"
	CodeCredential    = "CREDENTIAL_ERROR"
	CodeValidation    = "VALIDATION_ERROR"
	CodePanic         = "PANIC_ERROR"
	CodeRateLimit     = "RATE_LIMIT_ERROR"
	CodeCancelled     = "CANCELLED"
)

// Error represents a structured engine error
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new engine error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewValidationError reports invalid node configuration or input. It is never retried.
func NewValidationError(message string, err error) *Error {
	return NewError(CodeValidation, message, err)
}

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool {
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var nodeErr *NodeExecutionError
	return errors.As(err, &nodeErr) && nodeErr.Kind == KindTimeout
}

// Wrapf annotates err with a formatted message while keeping it matchable by errors.Is.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
