// Package dErrors provides coded domain errors.
//
// Stores return infrastructure sentinels (pkg/platform/sentinel); services
// translate them into coded errors; transport maps codes onto HTTP statuses.
// Codes classify what the caller should do (fix input, pick another target,
// give up), never how the failure happened.
package dErrors

import (
	"errors"
	"fmt"
)

// Code classifies a domain error for callers and the transport layer.
type Code string

const (
	// CodeInvalidInput marks malformed input the caller must fix. Not retried.
	CodeInvalidInput Code = "invalid_input"
	// CodeSchemaUnknown marks an observation whose schema version the policy
	// provider cannot resolve. Recoverable unless strict mode was requested.
	CodeSchemaUnknown Code = "schema_unknown"
	// CodeNotFound marks a missing entity, subject, or field.
	CodeNotFound Code = "not_found"
	// CodeConflict marks a business-rule rejection (merge preconditions,
	// duplicate creation). Surfaced to the caller for a decision, not retried.
	CodeConflict Code = "conflict"
	// CodeInvariantViolation marks a broken internal invariant, e.g. a cycle
	// in the merge-redirect graph. Always a bug, never expected.
	CodeInvariantViolation Code = "invariant_violation"
	// CodeConfiguration marks a fatal configuration error such as an unknown
	// merge strategy. Processing for the affected entity type must halt
	// rather than guess.
	CodeConfiguration Code = "configuration"
	// CodeUnavailable marks a dependency that is temporarily unreachable.
	// Retryable by the caller.
	CodeUnavailable Code = "unavailable"
	// CodeInternal marks everything else.
	CodeInternal Code = "internal"
)

// Error is a coded domain error. Construct with New or Wrap.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a coded error with no cause.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error, preserving the
// cause for errors.Is / errors.As.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, cause: err}
}

// HasCode reports whether err or anything it wraps carries the given code.
func HasCode(err error, code Code) bool {
	var coded *Error
	for errors.As(err, &coded) {
		if coded.Code == code {
			return true
		}
		err = coded.cause
		coded = nil
	}
	return false
}

// Is is an alias for HasCode kept for call-site readability in handlers.
func Is(err error, code Code) bool { return HasCode(err, code) }

// CodeOf returns the outermost code carried by err, or CodeInternal if err
// carries none.
func CodeOf(err error) Code {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeInternal
}
