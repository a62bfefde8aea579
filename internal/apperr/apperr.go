// Package apperr defines the user-visible error taxonomy for the gateway.
//
// Every failure that crosses the wire is translated into one of these kinds;
// handlers never leak raw storage or provider errors to clients.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for clients.
type Kind string

const (
	KindInvalidArgument     Kind = "INVALID_ARGUMENT"
	KindUnauthenticated     Kind = "UNAUTHENTICATED"
	KindForbidden           Kind = "FORBIDDEN"
	KindNoCredential        Kind = "NO_CREDENTIAL"
	KindInsufficientBalance Kind = "INSUFFICIENT_BALANCE"
	KindDecryptAuthFailed   Kind = "DECRYPT_AUTH_FAILED"
	KindUpstream            Kind = "UPSTREAM"
	KindRateLimited         Kind = "RATE_LIMITED"
	KindInvalidPath         Kind = "INVALID_PATH"
	KindConflict            Kind = "CONFLICT"
	KindNotFound            Kind = "NOT_FOUND"
	KindInternal            Kind = "INTERNAL"
)

// Error is the structured error carried through the gateway.
type Error struct {
	Kind    Kind                   `json:"kind"`
	Message string                 `json:"message"`
	Detail  map[string]interface{} `json:"detail,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches on Kind so callers can compare against sentinel errors.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// WithCause attaches an underlying error without exposing it on the wire.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// WithDetail attaches a structured detail field.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Detail == nil {
		e.Detail = make(map[string]interface{})
	}
	e.Detail[key] = value
	return e
}

// New builds an error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func InvalidArgument(format string, args ...interface{}) *Error {
	return New(KindInvalidArgument, format, args...)
}

func Unauthenticated(format string, args ...interface{}) *Error {
	return New(KindUnauthenticated, format, args...)
}

func Forbidden(format string, args ...interface{}) *Error {
	return New(KindForbidden, format, args...)
}

func NoCredential(format string, args ...interface{}) *Error {
	return New(KindNoCredential, format, args...)
}

// InsufficientBalance carries the deficit so clients can show it.
func InsufficientBalance(required, available int64) *Error {
	return New(KindInsufficientBalance, "insufficient token balance").
		WithDetail("required", required).
		WithDetail("available", available)
}

// DecryptAuthFailed deliberately carries no distinguishing detail: a wrong
// unlock secret and a missing entry must be indistinguishable to the caller.
func DecryptAuthFailed() *Error {
	return New(KindDecryptAuthFailed, "unable to unlock key")
}

// Upstream wraps a provider adapter failure; sub is the ProviderError kind
// (auth, rateLimited, badRequest, serverError, timeout, cancelled).
func Upstream(sub string, format string, args ...interface{}) *Error {
	return New(KindUpstream, format, args...).WithDetail("upstream_kind", sub)
}

func RateLimited(format string, args ...interface{}) *Error {
	return New(KindRateLimited, format, args...)
}

func InvalidPath(format string, args ...interface{}) *Error {
	return New(KindInvalidPath, format, args...)
}

func Conflict(format string, args ...interface{}) *Error {
	return New(KindConflict, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return New(KindNotFound, format, args...)
}

func Internal(format string, args ...interface{}) *Error {
	return New(KindInternal, format, args...)
}

// From coerces any error into an *Error, defaulting to Internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal("internal error").WithCause(err)
}

// HTTPStatus maps a kind to its HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidArgument, KindInvalidPath:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden, KindNoCredential, KindDecryptAuthFailed:
		return http.StatusForbidden
	case KindInsufficientBalance:
		return http.StatusPaymentRequired
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// JSONRPCCode maps a kind to a JSON-RPC 2.0 error code. Application errors
// use the implementation-defined -320xx range below the reserved block.
func JSONRPCCode(kind Kind) int {
	switch kind {
	case KindInvalidArgument, KindInvalidPath:
		return -32602
	case KindUnauthenticated:
		return -32001
	case KindForbidden, KindNoCredential, KindDecryptAuthFailed:
		return -32003
	case KindInsufficientBalance:
		return -32004
	case KindNotFound:
		return -32005
	case KindConflict:
		return -32006
	case KindRateLimited:
		return -32007
	case KindUpstream:
		return -32008
	default:
		return -32603
	}
}
