// Package syncerr defines the error taxonomy shared by the push and pull
// pipelines.
//
// Every error raised by the sync core that callers need to branch on is an
// *Error with a Code. Callers use the IsXxx helpers, which unwrap with
// errors.As, so wrapping with fmt.Errorf("...: %w", err) is always safe.
package syncerr

import (
	"errors"
	"fmt"
)

// Code categorizes sync errors.
type Code string

const (
	// CodeConfiguration indicates an invalid or incomplete mapping or rule.
	CodeConfiguration Code = "CONFIGURATION"

	// CodeNothingToPull indicates a pull was requested without any way to
	// locate the remote record.
	CodeNothingToPull Code = "NOTHING_TO_PULL"

	// CodeNotFound indicates the local entity or remote record does not exist.
	CodeNotFound Code = "NOT_FOUND"

	// CodeTransient indicates a network, auth or rate-limit failure.
	CodeTransient Code = "TRANSIENT"

	// CodeField indicates a single field could not be read, coerced or written.
	CodeField Code = "FIELD"

	// CodeRequeue asks the caller to release the job for a later retry.
	CodeRequeue Code = "REQUEUE"

	// CodeSuspend asks the caller to stop processing the current queue.
	CodeSuspend Code = "SUSPEND"

	// CodeQueueFull indicates the pull queue is at capacity.
	CodeQueueFull Code = "QUEUE_FULL"
)

// Error is the structured error type of the sync core.
type Error struct {
	Code    Code
	Message string

	// Mapping is the mapping id the error relates to, if any.
	Mapping string

	// EntityID is the local entity id, if any.
	EntityID string

	// RemoteID is the remote record id, if any.
	RemoteID string

	// Field is the remote field name for field-level errors.
	Field string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Mapping != "" {
		msg += fmt.Sprintf(" (mapping=%s", e.Mapping)
		if e.EntityID != "" {
			msg += ", entity=" + e.EntityID
		}
		if e.RemoteID != "" {
			msg += ", remote=" + e.RemoteID
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the Code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

func is(err error, code Code) bool {
	var se *Error
	for err != nil {
		if !errors.As(err, &se) {
			return false
		}
		if se.Code == code {
			return true
		}
		err = se.Err
	}
	return false
}

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool { return is(err, CodeConfiguration) }

// IsNothingToPull reports whether err is a nothing-to-pull error.
func IsNothingToPull(err error) bool { return is(err, CodeNothingToPull) }

// IsNotFound reports whether err means the entity or record is missing.
func IsNotFound(err error) bool { return is(err, CodeNotFound) }

// IsTransient reports whether err is a network, auth or rate-limit failure.
func IsTransient(err error) bool { return is(err, CodeTransient) }

// IsField reports whether err is a single-field failure.
func IsField(err error) bool { return is(err, CodeField) }

// IsRequeue reports whether err asks for the job to be released and retried.
func IsRequeue(err error) bool { return is(err, CodeRequeue) }

// IsSuspend reports whether err asks for the current queue to be suspended.
func IsSuspend(err error) bool { return is(err, CodeSuspend) }

// IsQueueFull reports whether err is a pull queue capacity error.
func IsQueueFull(err error) bool { return is(err, CodeQueueFull) }

// Configuration creates a configuration error for a mapping.
func Configuration(mapping, format string, args ...any) *Error {
	return &Error{Code: CodeConfiguration, Message: fmt.Sprintf(format, args...), Mapping: mapping}
}

// NothingToPull creates the error returned when a mapped object has neither
// a remote id nor an upsert key value.
func NothingToPull(mapping, entityID string) *Error {
	return &Error{
		Code:     CodeNothingToPull,
		Message:  "mapped object has no remote id and no upsert key value",
		Mapping:  mapping,
		EntityID: entityID,
	}
}

// NotFound creates a not-found error.
func NotFound(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// Transient wraps err as a transient remote failure.
func Transient(err error, format string, args ...any) *Error {
	return &Error{Code: CodeTransient, Message: fmt.Sprintf(format, args...), Err: err}
}

// Field creates a field-level error for the given remote field.
func Field(field string, err error, format string, args ...any) *Error {
	return &Error{Code: CodeField, Message: fmt.Sprintf(format, args...), Field: field, Err: err}
}

// Requeue wraps err so the caller releases the job for retry.
func Requeue(err error, format string, args ...any) *Error {
	return &Error{Code: CodeRequeue, Message: fmt.Sprintf(format, args...), Err: err}
}

// Suspend wraps err so the caller stops draining the current queue.
func Suspend(err error, format string, args ...any) *Error {
	return &Error{Code: CodeSuspend, Message: fmt.Sprintf(format, args...), Err: err}
}

// QueueFull creates the pull queue capacity error.
func QueueFull(mapping string, size, incoming, max int) *Error {
	return &Error{
		Code:    CodeQueueFull,
		Message: fmt.Sprintf("pull queue size %d plus %d incoming exceeds max %d", size, incoming, max),
		Mapping: mapping,
	}
}
