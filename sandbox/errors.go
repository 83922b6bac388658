package sandbox

import (
	"errors"
	"fmt"
)

// FailureReason classifies why an execution produced no normal result.
type FailureReason string

const (
	FailureUnsupportedLanguage FailureReason = "UnsupportedLanguage"
	FailureWorkspace           FailureReason = "WorkspaceUnavailable"
	FailureBackendUnavailable  FailureReason = "BackendUnavailable"
	FailureBackendError        FailureReason = "BackendError"
	FailureCanceled            FailureReason = "Canceled"
)

var (
	// ErrUnsupportedLanguage is a client error; nothing was allocated.
	ErrUnsupportedLanguage = errors.New("unsupported language")
	// ErrWorkspace reports a failure to materialize the source artifact.
	ErrWorkspace = errors.New("workspace error")
	// ErrBackendStart reports that the isolation mechanism could not be provisioned.
	ErrBackendStart = errors.New("backend start error")
	// ErrExecution reports a run that started but ended without an exit status.
	ErrExecution = errors.New("execution error")
)

// Error carries a sentinel, the matching FailureReason and a message that is
// safe to return to callers.
type Error struct {
	Err     error
	Reason  FailureReason
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

// Unwrap exposes both the sentinel and the underlying cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.cause != nil {
		return []error{e.Err, e.cause}
	}
	return []error{e.Err}
}

func newError(sentinel error, reason FailureReason, cause error, format string, args ...any) *Error {
	return &Error{
		Err:     sentinel,
		Reason:  reason,
		Message: fmt.Sprintf(format, args...),
		cause:   cause,
	}
}

// ReasonOf returns the FailureReason carried by err, or "" when err is not an *Error.
func ReasonOf(err error) FailureReason {
	var sbErr *Error
	if errors.As(err, &sbErr) {
		return sbErr.Reason
	}
	return ""
}
