// Package apperr implements the error-kind taxonomy described for the
// control plane: every error that crosses a component boundary carries a
// Kind so that HTTP and WebSocket surfaces can translate it without
// re-deriving intent from a message string.
package apperr

import (
	"fmt"

	"github.com/pkg/errors"
)

type Kind int

const (
	Internal Kind = iota
	Config
	Transport
	Protocol
	Auth
	RateLimited
	NotFound
	PermissionDenied
	VerificationMismatch
)

func (k Kind) String() string {
	switch k {
	case Config:
		return "ConfigError"
	case Transport:
		return "TransportError"
	case Protocol:
		return "ProtocolError"
	case Auth:
		return "AuthError"
	case RateLimited:
		return "RateLimited"
	case NotFound:
		return "NotFound"
	case PermissionDenied:
		return "PermissionDenied"
	case VerificationMismatch:
		return "VerificationMismatch"
	default:
		return "Internal"
	}
}

// E is a kinded, wrapped error. The wrapped cause (if any) retains its
// stack trace courtesy of github.com/pkg/errors.
type E struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *E) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *E) Unwrap() error { return e.Cause }

func New(kind Kind, format string, args ...interface{}) *E {
	return &E{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, cause error, format string, args ...interface{}) *E {
	if cause == nil {
		return New(kind, format, args...)
	}
	return &E{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: errors.WithStack(cause)}
}

// Is reports whether err (or any error in its chain) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *E
	for err != nil {
		if ae, ok := err.(*E); ok {
			e = ae
			if e.Kind == kind {
				return true
			}
			err = e.Cause
			continue
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// HTTPStatus maps a Kind onto the conventional status code for the
// compatibility HTTP surface.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Auth:
		return 401
	case PermissionDenied:
		return 403
	case NotFound:
		return 404
	case RateLimited:
		return 429
	case Config, Protocol, VerificationMismatch:
		return 400
	default:
		return 500
	}
}
