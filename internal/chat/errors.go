package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/johndosdos/huddle/internal/database"
)

// Code classifies an error for the client.
type Code string

const (
	CodeUnauthorized Code = "unauthorized"
	CodeForbidden    Code = "forbidden"
	CodeConflict     Code = "conflict"
	CodeNotFound     Code = "not_found"
	CodeTimeout      Code = "timeout"
	CodeTransient    Code = "transient_delivery_failure"
	CodeInvalid      Code = "invalid"
	CodeRateLimited  Code = "rate_limited"
	CodeInternal     Code = "internal"
)

var (
	ErrUnauthorized      = &Error{Code: CodeUnauthorized}
	ErrForbidden         = &Error{Code: CodeForbidden}
	ErrConflict          = &Error{Code: CodeConflict}
	ErrNotFound          = &Error{Code: CodeNotFound}
	ErrTimeout           = &Error{Code: CodeTimeout}
	ErrTransientDelivery = &Error{Code: CodeTransient}
	ErrInvalid           = &Error{Code: CodeInvalid}
	ErrRateLimited       = &Error{Code: CodeRateLimited}
)

// Error is returned by coordinator operations. errors.Is matches any two
// Errors with the same Code, so callers compare against the sentinels above.
type Error struct {
	Code Code
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func newError(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// wrap classifies err and attaches op. Errors already classified keep their code.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Op == "" {
			return &Error{Code: e.Code, Op: op, Msg: e.Msg, Err: e.Err}
		}
		return err
	}
	return &Error{Code: CodeOf(err), Op: op, Err: err}
}

// CodeOf maps err to a Code, translating store and context errors.
func CodeOf(err error) Code {
	var e *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &e):
		return e.Code
	case errors.Is(err, database.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, database.ErrConflict):
		return CodeConflict
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	default:
		return CodeInternal
	}
}

// Reason returns the client-facing text of err. Unclassified errors are
// reported by code only so store internals do not leak.
func Reason(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return string(CodeInternal)
	}
	if e.Msg != "" {
		return e.Msg
	}
	return string(e.Code)
}
