// Package util provides shared utility types for the gateway.
//
// # Error Conventions
//
// This project follows a standardized error pattern across all packages:
//
//   - Sentinel errors (errors.New) for well-known, stable conditions
//     that callers check with errors.Is(). Example: ErrRouteNotFound.
//   - Structured error types for context-rich errors that carry
//     additional fields (e.g., BackendError, ClientRequestError). Each
//     type implements Error(), Unwrap() (if wrapping), and Is().
//   - fmt.Errorf with %w for ad-hoc wrapping that adds context to an
//     existing error without introducing a new type.
package util

import (
	"errors"
	"fmt"
)

// Common sentinel errors. These form the failure taxonomy the
// dispatcher maps to client-facing HTTP statuses.
var (
	ErrRouteNotFound      = errors.New("no route for request")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrBackendTimeout     = errors.New("backend timeout")
	ErrBackendRejected    = errors.New("backend rejected request")
	ErrCircuitOpen        = errors.New("circuit breaker open")
	ErrNotFound           = errors.New("not found")
	ErrConfigInvalid      = errors.New("invalid configuration")
)

// RouteNotFoundError indicates that no route matched an inbound request.
type RouteNotFoundError struct {
	Method string
	Path   string
}

// Error implements the error interface.
func (e *RouteNotFoundError) Error() string {
	return fmt.Sprintf("no route for %s %s", e.Method, e.Path)
}

// Is checks if the error matches the target.
func (e *RouteNotFoundError) Is(target error) bool {
	if target == ErrRouteNotFound {
		return true
	}
	_, ok := target.(*RouteNotFoundError)
	return ok
}

// NewRouteNotFoundError creates a new RouteNotFoundError.
func NewRouteNotFoundError(method, path string) *RouteNotFoundError {
	return &RouteNotFoundError{Method: method, Path: path}
}

// ClientRequestError indicates that the inbound request itself is
// malformed. It is never retried and never reaches a backend.
type ClientRequestError struct {
	Reason string
	Cause  error
}

// Error implements the error interface.
func (e *ClientRequestError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("bad request: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("bad request: %s", e.Reason)
}

// Unwrap returns the underlying error.
func (e *ClientRequestError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ClientRequestError) Is(target error) bool {
	_, ok := target.(*ClientRequestError)
	return ok || errors.Is(e.Cause, target)
}

// NewClientRequestError creates a new ClientRequestError.
func NewClientRequestError(reason string, cause error) *ClientRequestError {
	return &ClientRequestError{Reason: reason, Cause: cause}
}

// BackendError is a terminal failure surfaced by the dispatcher after
// the resilience policy has been exhausted. Kind is one of the
// sentinel errors above; Attempts records how many calls were made.
type BackendError struct {
	Backend  string
	Route    string
	Kind     error
	Attempts int
	Cause    error
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	msg := fmt.Sprintf("backend %s: %v (attempts=%d)", e.Backend, e.Kind, e.Attempts)
	if e.Cause != nil {
		msg += fmt.Sprintf(": %v", e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *BackendError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *BackendError) Is(target error) bool {
	if _, ok := target.(*BackendError); ok {
		return true
	}
	return errors.Is(e.Kind, target) || errors.Is(e.Cause, target)
}

// NewBackendError creates a new BackendError.
func NewBackendError(backend, route string, kind error, attempts int, cause error) *BackendError {
	return &BackendError{
		Backend:  backend,
		Route:    route,
		Kind:     kind,
		Attempts: attempts,
		Cause:    cause,
	}
}

// ConfigError represents a configuration-related error.
type ConfigError struct {
	Field   string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error at %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ConfigError) Is(target error) bool {
	if target == ErrConfigInvalid {
		return true
	}
	_, ok := target.(*ConfigError)
	return ok || errors.Is(e.Cause, target)
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// NewConfigErrorWithCause creates a new ConfigError with a cause.
func NewConfigErrorWithCause(field, message string, cause error) *ConfigError {
	return &ConfigError{Field: field, Message: message, Cause: cause}
}
