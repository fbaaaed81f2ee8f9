// Package errors defines the coded error type shared by the execution engine.
package errors

import (
	"fmt"
)

// Error carries a code, a client-visible message, optional details and the
// underlying cause.
type Error struct {
	Code    ErrorCode
	Message string
	Details map[string]any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code.Message()
}

// Unwrap returns the underlying error (for errors.Is and errors.As).
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error with the default message of code.
func New(code ErrorCode) *Error {
	return &Error{
		Code:    code,
		Message: code.Message(),
		Details: make(map[string]any),
	}
}

// Newf creates an Error with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Details: make(map[string]any),
	}
}

// Wrap wraps err with code. An *Error is re-coded in place.
func Wrap(err error, code ErrorCode) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		e.Code = code
		return e
	}
	return &Error{
		Code:    code,
		Message: err.Error(),
		Err:     err,
		Details: make(map[string]any),
	}
}

// Wrapf wraps err with code and a formatted message. The cause's text is
// appended to the message.
func Wrapf(err error, code ErrorCode, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...) + ": " + err.Error(),
		Err:     err,
		Details: make(map[string]any),
	}
}

// WithMessage replaces the message.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// WithDetail adds a key-value detail.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// GetCode extracts the code from err. Foreign errors report Internal.
func GetCode(err error) ErrorCode {
	if err == nil {
		return Success
	}
	var e *Error
	if As(err, &e) {
		return e.Code
	}
	return Internal
}

// GetError returns err as an *Error, wrapping foreign errors as Internal.
func GetError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if As(err, &e) {
		return e
	}
	return Wrap(err, Internal)
}

// Is reports whether err (or anything it wraps) carries code.
func Is(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	return GetCode(err) == code
}
