// Package apperr defines the error kinds shared by the session, message and
// permission services. Errors read like "session not found: <id>" and wrap
// one of the sentinels below so callers can branch with errors.Is.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrInvalidTransition     = errors.New("invalid transition")
	ErrAuthorizationRequired = errors.New("authorization required")
	ErrConflict              = errors.New("conflict")
	ErrInvalidArgument       = errors.New("invalid argument")
)

// NotFound reports an unknown id, e.g. "session not found: 01J...".
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %w: %s", kind, ErrNotFound, id)
}

// InvalidTransition reports a phase change outside the allowed table.
func InvalidTransition(from, to string) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Conflict reports a duplicate unique key that the upsert path should have absorbed.
func Conflict(kind, key string) error {
	return fmt.Errorf("%s %w: %s", kind, ErrConflict, key)
}

// Invalid reports a malformed request, e.g. an unknown message type.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// AuthorizationRequired reports an identity-gated operation without an identity.
func AuthorizationRequired(op string) error {
	return fmt.Errorf("%s: %w", op, ErrAuthorizationRequired)
}

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// HTTPStatus maps an error to the status code the API responds with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrAuthorizationRequired):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
