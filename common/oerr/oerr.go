package oerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind string

const (
	// Validation means the caller supplied bad input.
	Validation Kind = "validation"
	// NotFound means the referenced entity does not exist.
	NotFound Kind = "not_found"
	// Conflict means the operation collides with existing state,
	// e.g. a duplicate workflow version or an illegal state transition.
	Conflict Kind = "conflict"
	// Transient means the operation may succeed if retried (transport, timeout).
	Transient Kind = "transient"
	// Handler means a node-side handler reported the failure.
	Handler Kind = "handler"
	// Policy means no node satisfied the routing constraints.
	Policy Kind = "policy"
)

// Error carries a kind, a short code for the API surface and a wrapped cause.
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap wraps err with a kind and message.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// WithCode attaches a stable machine-readable code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// KindOf returns the kind of err, or empty when err carries none.
func KindOf(err error) Kind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return ""
}

// CodeOf returns the code of err, or empty.
func CodeOf(err error) string {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Code
	}
	return ""
}

// Is reports whether err has the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
