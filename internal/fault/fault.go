// Package fault defines the stable error kinds surfaced across the Cantoria
// core: the tool router, the orchestrator, and the HTTP edge all classify
// failures with a [Kind] so that callers (including the LLM planner) can act
// on them without parsing message text.
//
// Errors are created with [New] or by wrapping an underlying cause with
// [Wrap]. [KindOf] recovers the kind from any error chain; unclassified
// errors report [Internal].
package fault

import (
	"errors"
	"fmt"
)

// Kind is a stable, machine-readable error category.
type Kind string

const (
	// InvalidInput marks a validation failure (upload, arguments, schema).
	InvalidInput Kind = "invalid_input"

	// ToolNotAllowed marks a request for a non-public or unrouted tool.
	ToolNotAllowed Kind = "tool_not_allowed"

	// ActionRequired marks an unmet workflow precondition that the LLM (or
	// the user) can resolve, e.g. a required preprocessing step.
	ActionRequired Kind = "action_required"

	// WorkerLost marks a transport or process death mid-call.
	WorkerLost Kind = "worker_lost"

	// Backpressure marks a worker queue overflow. No state has changed.
	Backpressure Kind = "backpressure"

	// Timeout marks an exceeded tool or turn deadline.
	Timeout Kind = "timeout"

	// Cancelled marks an explicit cancel or a job deadline expiry.
	Cancelled Kind = "cancelled"

	// InsufficientCredits marks a failed reservation due to balance.
	InsufficientCredits Kind = "insufficient_credits"

	// Locked marks an overdrafted account: reservations are rejected
	// unconditionally until the balance recovers.
	Locked Kind = "locked"

	// Internal marks an unclassified failure. Logged with detail, surfaced
	// generically.
	Internal Kind = "internal"
)

// IsValid reports whether k is a recognised kind.
func (k Kind) IsValid() bool {
	switch k {
	case InvalidInput, ToolNotAllowed, ActionRequired, WorkerLost,
		Backpressure, Timeout, Cancelled, InsufficientCredits, Locked, Internal:
		return true
	}
	return false
}

// Error is a classified error. The Message is safe to surface to callers;
// the wrapped cause is not (it may carry internal detail).
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

// New creates an Error of the given kind with a caller-visible message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted caller-visible message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. The message is caller-visible; err is
// retained for logging and errors.Is/As inspection.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.cause.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// KindOf returns the kind of err, walking the error chain. Errors that carry
// no classification report [Internal]. A nil err reports the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// MessageOf returns the caller-visible message of err: the classified
// message when present, or a generic fallback for unclassified errors.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Message
	}
	return "internal error"
}

// Retryable reports whether a tool call that failed with this kind may be
// retried without risking duplicate side effects. Only transport-level
// failures qualify; application-level errors are authoritative.
func (k Kind) Retryable() bool {
	return k == WorkerLost
}
