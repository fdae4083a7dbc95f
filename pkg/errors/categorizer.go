package errors

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Categorize maps err to one of the error codes.
func Categorize(err error) string {
	if err == nil {
		return ""
	}

	var graphErr *GraphError
	if errors.As(err, &graphErr) {
		return CodeGraph
	}
	var conflictErr *ConflictError
	if errors.As(err, &conflictErr) {
		return CodeConflict
	}
	var credErr *CredentialError
	if errors.As(err, &credErr) {
		return CodeCredential
	}
	var nodeErr *NodeExecutionError
	if errors.As(err, &nodeErr) && nodeErr.Kind != KindFailure {
		return nodeErr.Code()
	}
	var coded *Error
	if errors.As(err, &coded) && coded.Code != "" {
		return coded.Code
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled) {
		return CodeCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return CodeTimeout
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == 408:
			return CodeTimeout
		case statusErr.StatusCode == 429:
			return CodeRateLimit
		case statusErr.StatusCode >= 500:
			return CodeNetwork
		default:
			return CodeValidation
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CodeTimeout
		}
		return CodeNetwork
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return CodeNetwork
	}

	if nodeErr != nil {
		return CodeNodeExecution
	}

	errMsg := strings.ToLower(err.Error())
	if strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "timed out") {
		return CodeTimeout
	}
	if strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "connection reset") ||
		strings.Contains(errMsg, "temporarily unavailable") || strings.Contains(errMsg, "circuit breaker is open") {
		return CodeNetwork
	}
	if strings.Contains(errMsg, "rate limit") {
		return CodeRateLimit
	}
	return CodeUnknown
}

// IsTransient reports whether a retry may succeed: network failures, timeouts,
// 5xx-equivalent remote errors and errors explicitly marked retryable.
// Validation, credential, graph, conflict and resource-limit errors never are.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var nodeErr *NodeExecutionError
	if errors.As(err, &nodeErr) {
		switch nodeErr.Kind {
		case KindRetryable, KindTimeout:
			return true
		case KindResourceLimit, KindPanic:
			return false
		}
		if nodeErr.Cause == nil {
			return false
		}
		return IsTransient(nodeErr.Cause)
	}

	switch Categorize(err) {
	case CodeTimeout, CodeNetwork, CodeRateLimit, CodeRetryable:
		return true
	default:
		return false
	}
}
