package util

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouteNotFoundError(t *testing.T) {
	err := NewRouteNotFoundError("GET", "/api/v1/missing")

	assert.Equal(t, "no route for GET /api/v1/missing", err.Error())
	assert.True(t, errors.Is(err, ErrRouteNotFound))
	assert.True(t, errors.Is(err, &RouteNotFoundError{}))
	assert.False(t, errors.Is(err, ErrBackendUnavailable))
}

func TestClientRequestError(t *testing.T) {
	cause := errors.New("unexpected end of JSON input")
	err := NewClientRequestError("malformed body", cause)

	assert.Contains(t, err.Error(), "malformed body")
	assert.True(t, errors.Is(err, cause))
	assert.True(t, errors.Is(err, &ClientRequestError{}))

	var cre *ClientRequestError
	assert.True(t, errors.As(err, &cre))
	assert.Equal(t, "malformed body", cre.Reason)
}

func TestClientRequestError_NoCause(t *testing.T) {
	err := NewClientRequestError("empty path parameter", nil)

	assert.Equal(t, "bad request: empty path parameter", err.Error())
	assert.Nil(t, err.Unwrap())
}

func TestBackendError(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewBackendError("auth", "auth-login", ErrBackendUnavailable, 3, cause)

	assert.Contains(t, err.Error(), "backend auth")
	assert.Contains(t, err.Error(), "attempts=3")
	assert.True(t, errors.Is(err, ErrBackendUnavailable))
	assert.True(t, errors.Is(err, cause))
	assert.False(t, errors.Is(err, ErrBackendTimeout))

	var be *BackendError
	assert.True(t, errors.As(err, &be))
	assert.Equal(t, 3, be.Attempts)
	assert.Equal(t, "auth-login", be.Route)
}

func TestBackendError_WrappedKind(t *testing.T) {
	err := NewBackendError("db", "db-events", ErrBackendTimeout, 1, nil)
	wrapped := fmt.Errorf("dispatch: %w", err)

	assert.True(t, errors.Is(wrapped, ErrBackendTimeout))

	var be *BackendError
	assert.True(t, errors.As(wrapped, &be))
	assert.Equal(t, "db", be.Backend)
}

func TestConfigError(t *testing.T) {
	err := NewConfigError("routes[0].backend", "unknown backend name")

	assert.Equal(t, "config error at routes[0].backend: unknown backend name", err.Error())
	assert.True(t, errors.Is(err, ErrConfigInvalid))

	withCause := NewConfigErrorWithCause("listener.port", "invalid port", errors.New("out of range"))
	assert.True(t, errors.Is(withCause, ErrConfigInvalid))
	assert.Contains(t, withCause.Error(), "listener.port")
}
