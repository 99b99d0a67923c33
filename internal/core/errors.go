package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced by the pipeline
type ErrorKind string

const (
	KindInvalidInput ErrorKind = "InvalidInput"
	KindParse        ErrorKind = "ParseError"
	KindDetector     ErrorKind = "DetectorError"
	KindTimeout      ErrorKind = "TimeoutError"
	KindNotFound     ErrorKind = "NotFound"
	KindStore        ErrorKind = "StoreError"
	KindTooManyItems ErrorKind = "TooManyItems"
	KindCancelled    ErrorKind = "Cancelled"
	KindConflict     ErrorKind = "Conflict"
	KindInternal     ErrorKind = "InternalError"
)

// Error is a classified error. Two errors match under errors.Is when the
// target is a bare sentinel of the same kind.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

// Sentinels for errors.Is checks
var (
	ErrInvalidInput = &Error{Kind: KindInvalidInput}
	ErrParse        = &Error{Kind: KindParse}
	ErrDetector     = &Error{Kind: KindDetector}
	ErrTimeout      = &Error{Kind: KindTimeout}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrStore        = &Error{Kind: KindStore}
	ErrTooManyItems = &Error{Kind: KindTooManyItems}
	ErrCancelled    = &Error{Kind: KindCancelled}
	ErrConflict     = &Error{Kind: KindConflict}
)

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels by kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// Errorf creates a classified error with a formatted message
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapError classifies an underlying error
func WrapError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of the first classified error in the chain,
// or KindInternal when none is present
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// NewTaskError converts an error into its persisted form
func NewTaskError(err error) *TaskError {
	var e *Error
	if errors.As(err, &e) {
		detail := e.Msg
		if detail == "" && e.Err != nil {
			detail = e.Err.Error()
		} else if e.Err != nil {
			detail = fmt.Sprintf("%s: %v", e.Msg, e.Err)
		}
		if detail == "" {
			detail = string(e.Kind)
		}
		return &TaskError{Kind: e.Kind, Detail: detail}
	}
	return &TaskError{Kind: KindInternal, Detail: err.Error()}
}
