// Package apperr defines the error taxonomy shared by the settlement
// subsystems. Each package declares its own sentinel errors as *Error
// values; handlers translate the Kind into an HTTP status.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error by how a caller should react to it.
type Kind string

const (
	KindValidation    Kind = "validation"     // fix the input, then retry
	KindNotFound      Kind = "not_found"      // entity does not exist
	KindConflict      Kind = "conflict"       // no-op; re-read current state
	KindAuthorization Kind = "authorization"  // actor lacks the role; never retried
	KindExternal      Kind = "external"       // dependency failed after bounded retries
	KindWindowExpired Kind = "window_expired" // business timing rule, not a fault
	KindInconsistent  Kind = "inconsistent"   // operator attention required
)

// Error is a classified error with a stable machine-readable code.
type Error struct {
	Kind    Kind   `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// New creates a classified error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors by code so that wrapped copies created with
// Wrap or Withf still satisfy errors.Is against the sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// Wrap returns a copy of e carrying cause.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.Err = cause
	return &cp
}

// Withf returns a copy of e with a more specific message.
func (e *Error) Withf(format string, args ...any) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// Shared sentinels used across packages.
var (
	ErrValidation             = New(KindValidation, "validation_error", "invalid input")
	ErrNotFound               = New(KindNotFound, "not_found", "resource not found")
	ErrConcurrentModification = New(KindConflict, "concurrent_modification", "resource was modified concurrently; re-read and retry")
	ErrInvalidState           = New(KindConflict, "invalid_state", "operation not allowed in current state")
	ErrUnauthorized           = New(KindAuthorization, "unauthorized", "actor is not authorized for this operation")
	ErrExternal               = New(KindExternal, "external_dependency_error", "external dependency failed")
	ErrInconsistentState      = New(KindInconsistent, "inconsistent_state", "conflicting result for a terminal record")
)

// Validationf builds a validation error with a formatted message.
func Validationf(format string, args ...any) *Error {
	return ErrValidation.Withf(format, args...)
}

// KindOf returns the Kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the code of err, or "internal_error".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal_error"
}

// HTTPStatus maps err to the response status used by the API.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindAuthorization:
		return http.StatusForbidden
	case KindExternal:
		return http.StatusBadGateway
	case KindWindowExpired:
		return http.StatusUnprocessableEntity
	case KindInconsistent:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
