// Package apperr defines the error taxonomy shared by every handler and
// service in the utility server, and the mapping from that taxonomy to
// HTTP status codes and sep2 error bodies.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is an abstract error category, independent of any concrete type name.
type Kind int

const (
	// KindInternal covers cache update failures, broker unavailability, DB unavailability.
	KindInternal Kind = iota
	// KindBadRequest covers semantic validation failures.
	KindBadRequest
	// KindNotFound covers resources absent from the caller's scope.
	KindNotFound
	// KindForbidden covers authenticated-but-disallowed requests.
	KindForbidden
	// KindConflict covers LFDI/SFDI collisions across aggregators.
	KindConflict
	// KindUnauthorized covers missing or malformed credentials.
	KindUnauthorized
)

// Error wraps a Kind, a message, and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}

	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given Kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given Kind around an existing cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func BadRequest(format string, args ...any) *Error {
	return New(KindBadRequest, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, fmt.Sprintf(format, args...))
}

func Forbidden(format string, args ...any) *Error {
	return New(KindForbidden, fmt.Sprintf(format, args...))
}

func Conflict(format string, args ...any) *Error {
	return New(KindConflict, fmt.Sprintf(format, args...))
}

func Unauthorized(format string, args ...any) *Error {
	return New(KindUnauthorized, fmt.Sprintf(format, args...))
}

func Internal(cause error, format string, args ...any) *Error {
	return Wrap(KindInternal, fmt.Sprintf(format, args...), cause)
}

// KindOf extracts the Kind from err, defaulting to KindInternal for
// unrecognized errors so nothing accidentally leaks a 200.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}

	return KindInternal
}

// HTTPStatus maps a Kind to the status code sep2 handlers should return.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// ReasonCode maps a Kind to the sep2 <Error reasonCode="..."> value.
func ReasonCode(kind Kind) string {
	switch kind {
	case KindBadRequest, KindConflict:
		return "invalid_request_format"
	case KindForbidden, KindUnauthorized, KindNotFound:
		return "resource_limit_reached"
	case KindInternal:
		return "internal_error"
	default:
		return "internal_error"
	}
}
