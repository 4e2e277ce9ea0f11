// Package toolerr defines the error kinds every tool operation reports to its caller.
//
// None of these kinds are fatal to the process. They travel back to the caller as data
// so it can decide whether to retry, adjust arguments, or show the error to a human.
package toolerr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindPathViolation   Kind = "path_violation"
	KindNotFound        Kind = "not_found"
	KindAlreadyExists   Kind = "already_exists"
	KindSizeExceeded    Kind = "size_exceeded"
	KindPreviewFailed   Kind = "preview_failed"
	KindCommitFailed    Kind = "commit_failed"
	KindNoOpApply       Kind = "no_op_apply"
	KindNoPendingPatch  Kind = "no_pending_patch"
	KindInvalidArgument Kind = "invalid_argument"
	KindInvalidName     Kind = "invalid_name"
	KindTimeout         Kind = "timeout"
	KindBudgetExceeded  Kind = "budget_exceeded"
	KindUnknownTool     Kind = "unknown_tool"
	KindInternal        Kind = "internal"
)

// Error is a classified failure with the structured detail a caller needs to act on it.
type Error struct {
	Kind      Kind
	Message   string
	Path      string
	Attempted int
	Limit     int
	Stderr    string
	Token     string
	Err       error
}

func (e *Error) Error() string {
	message := e.Message
	if message == "" {
		message = string(e.Kind)
	}
	if e.Err != nil {
		return message + ": " + e.Err.Error()
	}
	return message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

func (e *Error) WithStderr(stderr string) *Error {
	e.Stderr = stderr
	return e
}

func (e *Error) WithToken(token string) *Error {
	e.Token = token
	return e
}

func (e *Error) WithSizes(attempted int, limit int) *Error {
	e.Attempted = attempted
	e.Limit = limit
	return e
}

// KindOf reports the kind of err, or KindInternal when err carries no classification.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var toolError *Error
	if errors.As(err, &toolError) {
		return toolError.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// As returns the classified error inside err, wrapping unclassified errors as KindInternal.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var toolError *Error
	if errors.As(err, &toolError) {
		return toolError
	}
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}
