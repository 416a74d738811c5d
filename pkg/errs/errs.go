// Package errs provides the error taxonomy shared by all Cubby services.
// This is a leaf package with no internal dependencies, designed to be
// imported by storage backends, services, and HTTP handlers without causing
// circular imports.
//
// Services return *Error values tagged with a Kind; the API layer maps the
// kind to an HTTP status and a stable machine-readable code. Anything not
// wrapped in *Error is treated as Internal and never leaks details to the
// client.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind int

const (
	// KindValidation indicates bad input: malformed parameters, quota
	// exceeded at admission, or a chunk hash mismatch.
	KindValidation Kind = iota + 1

	// KindAuthentication indicates a missing or invalid credential.
	KindAuthentication

	// KindAuthorization indicates the caller is known but not permitted.
	KindAuthorization

	// KindNotFound indicates the entity does not exist, is deleted, or is
	// expired. Files, sessions, users and folders all map here.
	KindNotFound

	// KindConflict indicates a lost race, e.g. a concurrent finalize on the
	// same upload session.
	KindConflict

	// KindRateLimited indicates admission was denied by the rate limiter.
	KindRateLimited

	// KindStorage indicates an upstream storage failure. Workers retry
	// these on the next cycle; request handlers surface them.
	KindStorage

	// KindInternal is the fallback for unexpected failures.
	KindInternal

	// KindRangeNotSatisfiable indicates a byte range beyond the end of the
	// object.
	KindRangeNotSatisfiable
)

// String returns the stable machine-readable code for the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindRateLimited:
		return "rate_limited"
	case KindStorage:
		return "storage"
	case KindInternal:
		return "internal"
	case KindRangeNotSatisfiable:
		return "range_not_satisfiable"
	default:
		return "unknown"
	}
}

// HTTPStatus returns the HTTP status code for the kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindStorage:
		return http.StatusBadGateway
	case KindRangeNotSatisfiable:
		return http.StatusRequestedRangeNotSatisfiable
	default:
		return http.StatusInternalServerError
	}
}

// Error is the tagged error returned by Cubby services.
type Error struct {
	// Kind classifies the error for HTTP mapping.
	Kind Kind

	// Op names the operation that failed, e.g. "upload.Complete" or
	// "storage.Migrate".
	Op string

	// Message is the user-visible message. Empty for Internal errors,
	// which must never leak details.
	Message string

	// Err is the wrapped cause, if any.
	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E constructs an *Error. The variadic arguments may be a Kind, a string
// (message), and an error (cause), in any order. Unrecognized arguments are
// ignored. Defaults to KindInternal.
func E(op string, args ...any) *Error {
	e := &Error{Kind: KindInternal, Op: op}
	for _, arg := range args {
		switch a := arg.(type) {
		case Kind:
			e.Kind = a
		case string:
			e.Message = a
		case *Error:
			e.Err = a
			if e.Kind == KindInternal {
				e.Kind = a.Kind
			}
		case error:
			e.Err = a
		}
	}
	return e
}

// Validation builds a KindValidation error with a user-visible message.
func Validation(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a KindNotFound error.
func NotFound(op, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Forbidden builds a KindAuthorization error.
func Forbidden(op, format string, args ...any) *Error {
	return &Error{Kind: KindAuthorization, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Conflict builds a KindConflict error.
func Conflict(op, format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Storage wraps an upstream storage failure.
func Storage(op string, cause error) *Error {
	return &Error{Kind: KindStorage, Op: op, Message: "storage operation failed", Err: cause}
}

// Internal wraps an unexpected failure. The cause is kept for logs; the
// message stays generic.
func Internal(op string, cause error) *Error {
	return &Error{Kind: KindInternal, Op: op, Err: cause}
}

// KindOf extracts the Kind from err, walking the wrap chain. Unclassified
// errors report KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// UserMessage returns the message safe to show to clients. Internal and
// storage errors collapse to a generic message.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindInternal:
			return "internal server error"
		case KindStorage:
			return "storage backend unavailable"
		default:
			if e.Message != "" {
				return e.Message
			}
			return e.Kind.String()
		}
	}
	return "internal server error"
}
