package docdb

import (
	"errors"
	"fmt"
)

// Code classifies store failures.
type Code string

const (
	CodeUnknown          Code = "unknown"
	CodePermissionDenied Code = "permission-denied"
	CodeNotFound         Code = "not-found"
	CodeAlreadyExists    Code = "already-exists"
	CodeUnauthenticated  Code = "unauthenticated"
	CodeUnavailable      Code = "unavailable"
	CodeInvalidArgument  Code = "invalid-argument"
)

var (
	ErrPermissionDenied = &Error{Code: CodePermissionDenied}
	ErrNotFound         = &Error{Code: CodeNotFound}
	ErrAlreadyExists    = &Error{Code: CodeAlreadyExists}
	ErrUnauthenticated  = &Error{Code: CodeUnauthenticated}
	ErrUnavailable      = &Error{Code: CodeUnavailable}
	ErrInvalidArgument  = &Error{Code: CodeInvalidArgument}
)

// Error is a classified store error. errors.Is matches any *Error with the same code,
// so callers compare against the Err* sentinels.
type Error struct {
	Code Code
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Path != "" {
		msg += " on " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// Errorf builds a classified error.
func Errorf(code Code, path string, format string, args ...any) error {
	return &Error{Code: code, Path: path, Err: fmt.Errorf(format, args...)}
}
