package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the error kinds from the error handling design: a small,
// closed catalog that every layer remaps I/O and domain failures onto before
// they reach an HTTP response.
type Kind string

const (
	KindInvalidToken          Kind = "invalid_token"
	KindTokenExpired          Kind = "token_expired"
	KindInvalidCredentials    Kind = "invalid_credentials"
	KindAccountLocked         Kind = "account_locked"
	KindInsufficientPerms     Kind = "insufficient_permissions"
	KindModeForbidden         Kind = "mode_forbidden"
	KindNoAvailableStorage    Kind = "no_available_storage"
	KindInsufficientSpace     Kind = "insufficient_space"
	KindFileNotFound          Kind = "file_not_found"
	KindChecksumMismatch      Kind = "checksum_mismatch"
	KindRangeNotSatisfiable   Kind = "range_not_satisfiable"
	KindCircuitOpen           Kind = "circuit_open"
	KindInternal              Kind = "internal"
)

// httpStatus maps each kind to the status code it surfaces as, per the
// error handling design table.
var httpStatus = map[Kind]int{
	KindInvalidToken:        http.StatusUnauthorized,
	KindTokenExpired:        http.StatusUnauthorized,
	KindInvalidCredentials:  http.StatusUnauthorized,
	KindAccountLocked:       http.StatusLocked,
	KindInsufficientPerms:   http.StatusForbidden,
	KindModeForbidden:       http.StatusBadRequest,
	KindNoAvailableStorage:  http.StatusServiceUnavailable,
	KindInsufficientSpace:   http.StatusInsufficientStorage,
	KindFileNotFound:        http.StatusNotFound,
	KindChecksumMismatch:    http.StatusInternalServerError,
	KindRangeNotSatisfiable: http.StatusRequestedRangeNotSatisfiable,
	KindCircuitOpen:         http.StatusServiceUnavailable,
	KindInternal:            http.StatusInternalServerError,
}

// Error is a tagged result value carrying one of the catalog kinds plus a
// human-readable message. Every component boundary returns these instead of
// raising ad-hoc errors; only the HTTP handler layer translates a Kind to a
// status code.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus returns the status code this error's kind surfaces as.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// NewError constructs a domain Error of the given kind.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError constructs a domain Error that remaps an underlying I/O or
// infrastructure failure onto one of the catalog kinds.
func WrapError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error, defaulting
// to KindInternal for anything outside the catalog — the propagation policy
// for transport errors the catalog doesn't name.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}
