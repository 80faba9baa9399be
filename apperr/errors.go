// Package apperr is the error taxonomy shared by the engines, services and
// handlers. Every rejection carries a stable code so callers can decide between
// retrying, giving up, and prompting the user.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of failure.
type Code string

const (
	CodeNotFound         Code = "not_found"
	CodeForbidden        Code = "forbidden"
	CodeInvalidState     Code = "invalid_state"
	CodeInvalidArgument  Code = "invalid_argument"
	CodeAlreadyProcessed Code = "already_processed"
	CodeExpired          Code = "expired"
	CodeInternal         Code = "internal"
)

// Status maps a code to its HTTP-equivalent status.
func (c Code) Status() int {
	switch c {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeForbidden:
		return http.StatusForbidden
	case CodeInvalidState, CodeInvalidArgument, CodeExpired:
		return http.StatusBadRequest
	case CodeAlreadyProcessed:
		return http.StatusOK
	case CodeInternal:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// Retryable reports whether sending the same action again can succeed.
func (c Code) Retryable() bool {
	switch c {
	case CodeInternal:
		return true
	case CodeNotFound, CodeForbidden, CodeInvalidState, CodeInvalidArgument, CodeAlreadyProcessed, CodeExpired:
		return false
	}
	return false
}

// Error is a classified failure with a user-facing message.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Status returns the HTTP-equivalent status of e.
func (e *Error) Status() int { return e.Code.Status() }

func newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error  { return newf(CodeNotFound, format, args...) }
func Forbidden(format string, args ...any) *Error { return newf(CodeForbidden, format, args...) }
func InvalidState(format string, args ...any) *Error {
	return newf(CodeInvalidState, format, args...)
}
func InvalidArgument(format string, args ...any) *Error {
	return newf(CodeInvalidArgument, format, args...)
}
func AlreadyProcessed(format string, args ...any) *Error {
	return newf(CodeAlreadyProcessed, format, args...)
}
func Expired(format string, args ...any) *Error { return newf(CodeExpired, format, args...) }

// Internal wraps an unexpected failure (storage errors, corrupt rows).
func Internal(err error, format string, args ...any) *Error {
	e := newf(CodeInternal, format, args...)
	e.Err = err
	return e
}

// As extracts an *Error from err. Unclassified errors become Internal.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err, "internal error")
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
