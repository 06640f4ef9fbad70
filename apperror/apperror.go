// Package apperror defines the error taxonomy shared by the chat core and the
// HTTP layer. Every failure carries a Kind (what the caller may do about it)
// and a stable Code (what went wrong).
package apperror

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindInvalidInput Kind = "invalid_input"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindForbidden    Kind = "forbidden"
	KindTransient    Kind = "transient"
	KindInternal     Kind = "internal"
)

type Error struct {
	Kind    Kind
	Code    string
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

// Is matches another *Error with the same Kind and Code, so sentinel values
// declared with New can be used with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// Retryable reports whether the failed operation is safe to retry as-is.
func (e *Error) Retryable() bool { return e.Kind == KindTransient }

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

func InvalidInput(code, format string, args ...any) *Error {
	return New(KindInvalidInput, code, fmt.Sprintf(format, args...))
}

func NotFound(code, format string, args ...any) *Error {
	return New(KindNotFound, code, fmt.Sprintf(format, args...))
}

func Conflict(code, format string, args ...any) *Error {
	return New(KindConflict, code, fmt.Sprintf(format, args...))
}

func Forbidden(code, format string, args ...any) *Error {
	return New(KindForbidden, code, fmt.Sprintf(format, args...))
}

func Transient(code string, err error) *Error {
	return Wrap(KindTransient, code, "temporary failure, retry with backoff", err)
}

func Internal(code, format string, args ...any) *Error {
	return New(KindInternal, code, fmt.Sprintf(format, args...))
}

// KindOf returns the Kind of the first *Error in err's chain. Errors outside
// the taxonomy are Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func IsTransient(err error) bool { return IsKind(err, KindTransient) }

// CodeOf returns the stable code of err, "internal_error" for foreign errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal_error"
}
