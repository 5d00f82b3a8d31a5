package gateway

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mealmind/gateway/internal/config"
	"github.com/mealmind/gateway/internal/conn"
	"github.com/mealmind/gateway/internal/dispatch"
	"github.com/mealmind/gateway/internal/observability"
)

type fakeConn struct{}

func (fakeConn) Invoke(ctx context.Context, method string, args, reply interface{}, opts ...grpc.CallOption) error {
	return nil
}

func (fakeConn) NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	return nil, errors.New("streaming not supported")
}

func (fakeConn) Close() error { return nil }

func testConfig() *config.GatewayConfig {
	return &config.GatewayConfig{
		Server: config.ServerConfig{Port: 8080},
		Backends: []config.Backend{
			{Name: "auth", Endpoints: []string{"auth:50051"}},
		},
		Routes: []config.Route{
			{Name: "login", Method: "POST", Path: "/api/v1/auth/login", Backend: "auth", RPC: "/auth.AuthService/Login"},
		},
		Resilience: &config.Resilience{
			Timeout:                 config.Duration(time.Second),
			MaxRetries:              1,
			BackoffBase:             config.Duration(time.Millisecond),
			CircuitFailureThreshold: 5,
			CircuitOpenDuration:     config.Duration(30 * time.Second),
		},
	}
}

func newTestGateway(t *testing.T, invoke dispatch.Invoker) *Gateway {
	t.Helper()

	g, err := New(testConfig(), observability.NopLogger(),
		WithConnOptions(conn.WithDialer(func(ctx context.Context, target string) (conn.ClientConn, error) {
			return fakeConn{}, nil
		})),
		WithDispatchOptions(dispatch.WithInvoker(invoke)),
	)
	require.NoError(t, err)
	return g
}

func TestGateway_EndToEndSuccess(t *testing.T) {
	g := newTestGateway(t, func(ctx context.Context, cc conn.ClientConn, fullMethod string, payload []byte) ([]byte, error) {
		return []byte(`{"token":"abc"}`), nil
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewBufferString(`{"user":"ada"}`))
	w := httptest.NewRecorder()
	g.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"token":"abc"}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestGateway_EndToEndBackendRejection(t *testing.T) {
	g := newTestGateway(t, func(ctx context.Context, cc conn.ClientConn, fullMethod string, payload []byte) ([]byte, error) {
		return nil, status.Error(codes.Unauthenticated, "bad credentials")
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
	w := httptest.NewRecorder()
	g.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "bad credentials")
}

func TestGateway_UnknownPathIs404(t *testing.T) {
	g := newTestGateway(t, func(ctx context.Context, cc conn.ClientConn, fullMethod string, payload []byte) ([]byte, error) {
		return nil, nil
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/nothing", nil)
	w := httptest.NewRecorder()
	g.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGateway_OperationalEndpoints(t *testing.T) {
	g := newTestGateway(t, func(ctx context.Context, cc conn.ClientConn, fullMethod string, payload []byte) ([]byte, error) {
		return nil, nil
	})

	for _, path := range []string{"/healthz", "/readyz", "/healthz/backends", "/metrics"} {
		w := httptest.NewRecorder()
		g.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestGateway_InvalidConfigRejected(t *testing.T) {
	cfg := testConfig()
	cfg.Routes[0].Backend = "missing"

	_, err := New(cfg, observability.NopLogger())
	require.Error(t, err)
}
