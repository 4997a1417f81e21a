package workflow

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindForbidden         ErrorKind = "forbidden"
	KindConflict          ErrorKind = "conflict"
	KindInvalidTransition ErrorKind = "invalid_transition"
	KindNotFound          ErrorKind = "not_found"
)

// Error is returned by every engine operation that refuses a request. No
// state has been written when an Error is returned.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

// Is matches any *Error of the same kind, so callers can test with the
// ErrForbidden style sentinels below.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrForbidden         = &Error{Kind: KindForbidden, Message: "forbidden"}
	ErrConflict          = &Error{Kind: KindConflict, Message: "conflict"}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition, Message: "invalid transition"}
	ErrNotFound          = &Error{Kind: KindNotFound, Message: "not found"}
)

// ErrRecordNotFound is returned by Store implementations for missing rows.
var ErrRecordNotFound = errors.New("record not found")

func newError(kind ErrorKind, op, message string, details map[string]any) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Details: details}
}

func forbidden(op, message string, details map[string]any) *Error {
	return newError(KindForbidden, op, message, details)
}

func conflict(op, message string, details map[string]any) *Error {
	return newError(KindConflict, op, message, details)
}

func invalidTransition(op, message string, details map[string]any) *Error {
	return newError(KindInvalidTransition, op, message, details)
}

// notFoundOr converts a store miss into a NotFound error and passes any
// other error through unchanged.
func notFoundOr(op, what string, err error) error {
	if errors.Is(err, ErrRecordNotFound) {
		return newError(KindNotFound, op, what+" not found", nil)
	}
	return err
}

func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
