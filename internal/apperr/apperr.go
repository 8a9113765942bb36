// Package apperr holds the error taxonomy shared by the sandbox, the auth layer
// and the storage gateway, and its mapping onto HTTP status codes.
package apperr

import (
	"errors"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindInvalidInput
	KindAccessDenied
	KindUnauthorized
	KindForbidden
	KindNotConfigured
	KindInvalidCredentials
	KindNotFound
	KindTooLarge
	KindIOFailure
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "InvalidInput"
	case KindAccessDenied:
		return "AccessDenied"
	case KindUnauthorized:
		return "Unauthorized"
	case KindForbidden:
		return "Forbidden"
	case KindNotConfigured:
		return "NotConfigured"
	case KindInvalidCredentials:
		return "InvalidCredentials"
	case KindNotFound:
		return "NotFound"
	case KindTooLarge:
		return "TooLarge"
	case KindIOFailure:
		return "IOFailure"
	default:
		return "Internal"
	}
}

// Error is a classified error. Msg is safe to show to clients; Err is the
// underlying cause and is only logged.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg == "" {
			return e.Err.Error()
		}
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func InvalidInput(msg string) *Error { return New(KindInvalidInput, msg) }
func AccessDenied(msg string) *Error { return New(KindAccessDenied, msg) }
func Unauthorized(msg string) *Error { return New(KindUnauthorized, msg) }
func Forbidden(msg string) *Error { return New(KindForbidden, msg) }
func NotFound(msg string) *Error { return New(KindNotFound, msg) }
func IOFailure(msg string, err error) *Error {
	return Wrap(KindIOFailure, msg, err)
}

// KindOf reports the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps an error onto the status code the API responds with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidInput, KindNotConfigured:
		return http.StatusBadRequest
	case KindUnauthorized, KindInvalidCredentials:
		return http.StatusUnauthorized
	case KindAccessDenied, KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the client-facing message for err. Internal and I/O
// failures collapse to a generic message.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "Internal server error"
	}
	switch e.Kind {
	case KindInternal, KindIOFailure:
		return "Internal server error"
	}
	if e.Msg != "" {
		return e.Msg
	}
	return e.Kind.String()
}
