package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// GraphErrorKind names the structural problem found while compiling a workflow.
type GraphErrorKind string

const (
	GraphCycle          GraphErrorKind = "cycle"
	GraphDanglingRef    GraphErrorKind = "dangling_reference"
	GraphUnknownType    GraphErrorKind = "unknown_type"
	GraphDuplicateID    GraphErrorKind = "duplicate_id"
	GraphInvalidNode    GraphErrorKind = "invalid_node"
	GraphInvalidTrigger GraphErrorKind = "invalid_trigger"
	GraphEmpty          GraphErrorKind = "empty"
)

// GraphError aborts an execution before any node runs.
type GraphError struct {
	Kind    GraphErrorKind
	Message string
	NodeIDs []string
}

func (e *GraphError) Error() string {
	if len(e.NodeIDs) > 0 {
		return fmt.Sprintf("graph error (%s): %s [%s]", e.Kind, e.Message, strings.Join(e.NodeIDs, ", "))
	}
	return fmt.Sprintf("graph error (%s): %s", e.Kind, e.Message)
}

// NewGraphError creates a graph error for the given nodes.
func NewGraphError(kind GraphErrorKind, message string, nodeIDs ...string) *GraphError {
	return &GraphError{Kind: kind, Message: message, NodeIDs: nodeIDs}
}

// NodeErrorKind classifies a node failure.
type NodeErrorKind string

const (
	KindFailure       NodeErrorKind = "failure"
	KindRetryable     NodeErrorKind = "retryable"
	KindTimeout       NodeErrorKind = "timeout"
	KindResourceLimit NodeErrorKind = "resource_limit"
	KindPanic         NodeErrorKind = "panic"
)

// NodeExecutionError is the failure of one node's logic. Retryable and timeout
// kinds are transient; resource limits and panics never are.
type NodeExecutionError struct {
	NodeID   string
	NodeType string
	Kind     NodeErrorKind
	Message  string
	Attempts int
	Stack    string
	Cause    error
}

func (e *NodeExecutionError) Error() string {
	var b strings.Builder
	if e.NodeID != "" {
		fmt.Fprintf(&b, "node %s: ", e.NodeID)
	}
	switch {
	case e.Message != "" && e.Cause != nil:
		fmt.Fprintf(&b, "%s: %v", e.Message, e.Cause)
	case e.Message != "":
		b.WriteString(e.Message)
	case e.Cause != nil:
		b.WriteString(e.Cause.Error())
	default:
		b.WriteString(string(e.Kind))
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " (after %d attempts)", e.Attempts)
	}
	return b.String()
}

func (e *NodeExecutionError) Unwrap() error {
	return e.Cause
}

// Code maps the kind onto an error code.
func (e *NodeExecutionError) Code() string {
	switch e.Kind {
	case KindRetryable:
		return CodeRetryable
	case KindTimeout:
		return CodeTimeout
	case KindResourceLimit:
		return CodeResourceLimit
	case KindPanic:
		return CodePanic
	default:
		return CodeNodeExecution
	}
}

// NewNodeError creates a non-retryable node failure.
func NewNodeError(nodeID, message string, cause error) *NodeExecutionError {
	return &NodeExecutionError{NodeID: nodeID, Kind: KindFailure, Message: message, Cause: cause}
}

// NewRetryableError creates a node failure the retry handler may retry.
func NewRetryableError(nodeID, message string, cause error) *NodeExecutionError {
	return &NodeExecutionError{NodeID: nodeID, Kind: KindRetryable, Message: message, Cause: cause}
}

// Retryable marks err as transient. Node logic uses it for failures it knows to be temporary.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &NodeExecutionError{Kind: KindRetryable, Cause: err}
}

// NewTimeoutError reports a node that exceeded its wall-clock budget.
func NewTimeoutError(nodeID string, timeout time.Duration) *NodeExecutionError {
	return &NodeExecutionError{
		NodeID:  nodeID,
		Kind:    KindTimeout,
		Message: fmt.Sprintf("exceeded node timeout of %s", timeout),
		Cause:   ErrTimeout,
	}
}

// NewResourceLimitError reports output that exceeded the configured size guard.
func NewResourceLimitError(nodeID string, limit, actual int64) *NodeExecutionError {
	return &NodeExecutionError{
		NodeID:  nodeID,
		Kind:    KindResourceLimit,
		Message: fmt.Sprintf("output size %d bytes exceeds limit of %d bytes", actual, limit),
	}
}

// NewPanicError converts a recovered panic into a node failure.
func NewPanicError(nodeID string, recovered interface{}, stack string) *NodeExecutionError {
	return &NodeExecutionError{
		NodeID:  nodeID,
		Kind:    KindPanic,
		Message: fmt.Sprintf("panic: %v", recovered),
		Stack:   stack,
	}
}

// AsNodeError normalises any error into a NodeExecutionError for nodeID.
func AsNodeError(nodeID, nodeType string, err error) *NodeExecutionError {
	var ne *NodeExecutionError
	if errors.As(err, &ne) {
		out := *ne
		if out.NodeID == "" {
			out.NodeID = nodeID
		}
		if out.NodeType == "" {
			out.NodeType = nodeType
		}
		return &out
	}
	return &NodeExecutionError{NodeID: nodeID, NodeType: nodeType, Kind: KindFailure, Cause: err}
}

// ConflictError rejects a request that overlaps a run already in flight.
type ConflictError struct {
	WorkflowID  string
	ExecutionID string
	Message     string
}

func (e *ConflictError) Error() string {
	if e.ExecutionID != "" {
		return fmt.Sprintf("conflict on workflow %s: %s (execution %s)", e.WorkflowID, e.Message, e.ExecutionID)
	}
	return fmt.Sprintf("conflict on workflow %s: %s", e.WorkflowID, e.Message)
}

// NewConflictError creates a conflict error.
func NewConflictError(workflowID, executionID, message string) *ConflictError {
	return &ConflictError{WorkflowID: workflowID, ExecutionID: executionID, Message: message}
}

// CredentialError is returned when credentials cannot be resolved or decrypted.
type CredentialError struct {
	Type    string
	Message string
	Cause   error
}

func (e *CredentialError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("credentials %q: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("credentials %q: %s", e.Type, e.Message)
}

func (e *CredentialError) Unwrap() error {
	return e.Cause
}

// NewCredentialError creates a credential error.
func NewCredentialError(credType, message string, cause error) *CredentialError {
	return &CredentialError{Type: credType, Message: message, Cause: cause}
}

// StatusError carries a remote status code, for example an HTTP response.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("remote returned %d %s: %s", e.StatusCode, e.Status, e.Body)
	}
	return fmt.Sprintf("remote returned %d %s", e.StatusCode, e.Status)
}
