package api

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a failure. The set is closed; every error surfaced
// by the gateway carries exactly one kind.
type ErrorKind string

const (
	// ErrConfig indicates malformed or missing configuration.
	ErrConfig ErrorKind = "CONFIG"

	// ErrUpstreamTransport indicates session I/O failure (broken pipe,
	// EOF, connection refused). Retryable.
	ErrUpstreamTransport ErrorKind = "UPSTREAM_TRANSPORT"

	// ErrUpstreamProtocol indicates a malformed MCP response.
	ErrUpstreamProtocol ErrorKind = "UPSTREAM_PROTOCOL"

	// ErrUpstreamTool indicates the upstream tool itself reported failure.
	ErrUpstreamTool ErrorKind = "UPSTREAM_TOOL_ERROR"

	// ErrTimeout indicates a deadline was exceeded. Retryability is
	// decided by the caller.
	ErrTimeout ErrorKind = "TIMEOUT"

	// ErrCancelled indicates an explicit cancellation signal.
	ErrCancelled ErrorKind = "CANCELLED"

	// ErrValidation indicates an input or schema mismatch.
	ErrValidation ErrorKind = "VALIDATION"

	// ErrDependency indicates a missing capability, tool, or key. These
	// conditions normally pause a workflow instead of failing it.
	ErrDependency ErrorKind = "DEPENDENCY"

	// ErrSandboxPermission indicates user code attempted a denied
	// capability.
	ErrSandboxPermission ErrorKind = "SANDBOX_PERMISSION"

	// ErrSandboxRuntime indicates user code raised an error.
	ErrSandboxRuntime ErrorKind = "SANDBOX_RUNTIME"

	// ErrSandboxMemory indicates the worker hit its memory ceiling.
	ErrSandboxMemory ErrorKind = "SANDBOX_MEMORY"

	// ErrCache indicates a cache backend failure. Retryable; callers
	// degrade to a miss.
	ErrCache ErrorKind = "CACHE"

	// ErrInternal indicates a bug or a broken invariant.
	ErrInternal ErrorKind = "INTERNAL"
)

// retryableByDefault holds the kinds that are retryable without the caller
// opting in.
var retryableByDefault = map[ErrorKind]bool{
	ErrUpstreamTransport: true,
	ErrCache:             true,
}

// Error is the gateway's typed error. It carries a kind from the closed
// taxonomy, a human message, optional structured details, and an explicit
// retryability flag.
type Error struct {
	Kind      ErrorKind
	Message   string
	Details   map[string]interface{}
	Retryable bool
	cause     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// WithDetail attaches one structured detail and returns the same error for
// chaining.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = map[string]interface{}{}
	}
	e.Details[key] = value
	return e
}

// WithRetryable overrides the retryability flag. Used for TIMEOUT, whose
// retryability is per-caller.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// Errorf creates a new typed error with the default retryability for its
// kind.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Retryable: retryableByDefault[kind],
	}
}

// WrapError wraps a cause with a kind and message. If the cause is already
// a typed error its kind is preserved unless the new kind is more specific
// (i.e. the cause is INTERNAL).
func WrapError(kind ErrorKind, cause error, format string, args ...interface{}) *Error {
	return &Error{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Retryable: retryableByDefault[kind],
		cause:     cause,
	}
}

// FromContext converts a context error into the matching typed error,
// returning nil when ctx carries no error.
func FromContext(ctx context.Context) *Error {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return Errorf(ErrTimeout, "deadline exceeded")
	case context.Canceled:
		return Errorf(ErrCancelled, "operation cancelled")
	default:
		return nil
	}
}

// KindOf extracts the kind from an error chain. Untyped errors report
// INTERNAL; context errors map to TIMEOUT/CANCELLED.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrCancelled
	}
	return ErrInternal
}

// IsRetryable reports whether the error may be retried. Typed errors carry
// their own flag; untyped errors are never retryable.
func IsRetryable(err error) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Retryable
	}
	return false
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// ErrorPayload renders an error as the domain-failure payload embedded in
// successful JSON-RPC responses:
//
//	{ "status": "error", "error": ..., "code": ..., "retryable": ... }
//
// Structured details are carried through; correlation ids (workflow id,
// task id) should already be present in the details when available.
func ErrorPayload(err error) map[string]interface{} {
	payload := map[string]interface{}{
		"status":    "error",
		"error":     err.Error(),
		"code":      string(KindOf(err)),
		"retryable": IsRetryable(err),
	}
	var ge *Error
	if errors.As(err, &ge) {
		payload["error"] = ge.Message
		if ge.cause != nil {
			payload["cause"] = ge.cause.Error()
		}
		if len(ge.Details) > 0 {
			payload["details"] = ge.Details
		}
	}
	return payload
}
