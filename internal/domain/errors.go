package domain

import (
	"fmt"
	"net/http"
)

// ErrorType represents the category of a gateway error.
type ErrorType string

const (
	// ErrorTypeAuthentication indicates a missing, invalid, or revoked
	// API key.
	ErrorTypeAuthentication ErrorType = "authentication"

	// ErrorTypeRateLimit indicates the credential exhausted its window
	// budget.
	ErrorTypeRateLimit ErrorType = "rate_limit"

	// ErrorTypeNotFound indicates the requested route slug is not
	// registered.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeUpstream indicates the upstream call failed at the
	// transport level (connection refused, timeout, DNS).
	ErrorTypeUpstream ErrorType = "upstream"

	// ErrorTypeServer indicates an internal gateway failure, such as
	// the counter store being unreachable.
	ErrorTypeServer ErrorType = "server"
)

// GatewayError is a terminal pipeline outcome that maps to an HTTP
// response. All four taxonomy errors are user-visible and
// non-retryable by the gateway itself.
type GatewayError struct {
	Type    ErrorType
	Message string

	// Cause is the underlying error, if any. Not exposed to callers.
	Cause error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// HTTPStatusCode returns the HTTP status code for this error.
func (e *GatewayError) HTTPStatusCode() int {
	switch e.Type {
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WithCause attaches an underlying error.
func (e *GatewayError) WithCause(err error) *GatewayError {
	e.Cause = err
	return e
}

// ErrAuthentication creates an authentication failure.
func ErrAuthentication(message string) *GatewayError {
	return &GatewayError{Type: ErrorTypeAuthentication, Message: message}
}

// ErrRateLimit creates a quota-exceeded failure.
func ErrRateLimit(message string) *GatewayError {
	return &GatewayError{Type: ErrorTypeRateLimit, Message: message}
}

// ErrRouteNotFound creates an unknown-route failure.
func ErrRouteNotFound(message string) *GatewayError {
	return &GatewayError{Type: ErrorTypeNotFound, Message: message}
}

// ErrUpstream creates a transport-level upstream failure.
func ErrUpstream(message string) *GatewayError {
	return &GatewayError{Type: ErrorTypeUpstream, Message: message}
}

// ErrServer creates an internal gateway failure.
func ErrServer(message string) *GatewayError {
	return &GatewayError{Type: ErrorTypeServer, Message: message}
}
