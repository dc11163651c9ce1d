// internal/protoerr/protoerr.go
package protoerr

import (
	"errors"
	"fmt"
	"net/http"
)

/*
Package protoerr carries the failure taxonomy of the launch/embed protocol.

Every protocol branch fails closed: a handler either completes its step or
surfaces one of these kinds with a human-readable diagnostic. The diagnostic
is shown inside the platform's embedded browser, so it must be a plain
sentence, not an internal stack trace.

Kinds:

  Validation     missing/malformed field in a claim or query parameter (400)
  Authentication signature/issuer/audience/age mismatch (400)
  KeyResolution  remote keyset unreachable or key id absent (502)
  ReplayOrExpiry session/nonce already consumed or timed out (400)
  TransientStore store failure that survived the retry budget (500)
*/

type Kind int

const (
	Validation Kind = iota
	Authentication
	KeyResolution
	ReplayOrExpiry
	TransientStore
)

// Error is a protocol failure with a user-visible diagnostic.
type Error struct {
	Kind   Kind
	Detail string
	Err    error // optional cause
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Detail + ": " + e.Err.Error()
	}
	return e.Detail
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the kind to the status code the embedded browser receives.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KeyResolution:
		return http.StatusBadGateway
	case TransientStore:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// New builds an Error with a formatted diagnostic.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a formatted diagnostic.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

// As extracts an *Error from an error chain.
func As(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// WriteHTTP reports err on w. Unclassified errors become a 500 without
// leaking internals.
func WriteHTTP(w http.ResponseWriter, err error) {
	if pe, ok := As(err); ok {
		http.Error(w, pe.Error(), pe.HTTPStatus())
		return
	}
	http.Error(w, "internal error", http.StatusInternalServerError)
}
