// Package apperrors defines the error taxonomy shared by the OAuth, token and
// calendar layers. Every error that reaches the HTTP surface carries a Code so
// callers can react to it (prompt re-consent, retry, surface a security event)
// instead of seeing a generic failure.
package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeUnauthenticated         Code = "UNAUTHENTICATED"
	CodeInvalidRequest          Code = "INVALID_REQUEST"
	CodeInvalidState            Code = "INVALID_STATE"
	CodeNotConnected            Code = "NOT_CONNECTED"
	CodeReauthorizationRequired Code = "REAUTHORIZATION_REQUIRED"
	CodeProviderExchangeFailed  Code = "PROVIDER_EXCHANGE_FAILED"
	CodeProviderRequestFailed   Code = "PROVIDER_REQUEST_FAILED"
	CodeTimeout                 Code = "TIMEOUT"
	CodeUnsupportedProvider     Code = "UNSUPPORTED_PROVIDER"
	CodeInternal                Code = "INTERNAL"
)

// Error is the application error type.
type Error struct {
	Code     Code   `json:"code"`
	Message  string `json:"message"`
	Provider string `json:"provider,omitempty"`
	Cause    error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error by code so errors.Is(err, apperrors.New(code, "")) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// WithCause sets the underlying cause and returns the receiver.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithProvider tags the error with the provider it came from.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// New creates an Error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Unauthenticated() *Error {
	return New(CodeUnauthenticated, "authentication required")
}

func InvalidRequest(reason string) *Error {
	return New(CodeInvalidRequest, reason)
}

func InvalidState(reason string) *Error {
	return New(CodeInvalidState, reason)
}

func NotConnected(provider, accountLabel string) *Error {
	return Newf(CodeNotConnected, "no %s account %q connected", provider, accountLabel).WithProvider(provider)
}

func ReauthorizationRequired(provider, accountLabel string) *Error {
	return Newf(CodeReauthorizationRequired, "%s account %q must be reconnected", provider, accountLabel).WithProvider(provider)
}

// CodeOf returns the code of the first *Error in err's chain. Context deadline
// errors without an explicit code map to CodeTimeout; anything else is CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// FromContext converts a context error into a Timeout error for the named
// operation, or returns nil when ctx is still live.
func FromContext(ctx context.Context, operation string) error {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Newf(CodeTimeout, "%s timed out", operation).WithCause(err)
		}
		return Newf(CodeProviderRequestFailed, "%s cancelled", operation).WithCause(err)
	}
	return nil
}

// HTTPStatus maps a code to the recommended HTTP status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeInvalidRequest, CodeUnsupportedProvider:
		return http.StatusBadRequest
	case CodeInvalidState:
		return http.StatusForbidden
	case CodeNotConnected:
		return http.StatusNotFound
	case CodeReauthorizationRequired:
		return http.StatusConflict
	case CodeProviderExchangeFailed, CodeProviderRequestFailed:
		return http.StatusBadGateway
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a failure with this code may succeed on retry
// without user action.
func Retryable(code Code) bool {
	switch code {
	case CodeProviderExchangeFailed, CodeProviderRequestFailed, CodeTimeout:
		return true
	}
	return false
}

// Message returns a client-safe message for err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal server error"
}
