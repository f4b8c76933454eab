// Package apperror defines the typed error taxonomy shared across every
// binary and its mapping to HTTP status codes.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error into one of the pipeline's recognized failure
// categories. Handlers map a Kind to an HTTP status; workers map it to a
// retry/DLQ decision.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindRateLimited    Kind = "rate_limited"
	KindUpstream       Kind = "upstream"
	KindInternal       Kind = "internal"
	KindUnavailable    Kind = "unavailable"
)

// Error is the taxonomy error type. Message is safe to surface to a caller;
// Details carries structured context for logs, never echoed verbatim to a
// third-party webhook sender.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a taxonomy error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a taxonomy kind to an existing error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetails returns a copy of e carrying additional structured context.
func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// As extracts a *Error from err's chain, if present.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf returns the taxonomy kind of err, defaulting to KindInternal when
// err isn't a taxonomy error.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps a Kind to the status code a gateway handler should return.
func HTTPStatus(kind Kind) int {
	switch kind {
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
	case KindUpstream:
		return http.StatusBadGateway
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether an error of this kind should be requeued by a
// worker rather than routed straight to the dead-letter queue.
func Retryable(kind Kind) bool {
	switch kind {
	case KindUpstream, KindUnavailable, KindRateLimited:
		return true
	default:
		return false
	}
}
