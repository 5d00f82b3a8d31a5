package dispatch

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/mealmind/gateway/internal/config"
	"github.com/mealmind/gateway/internal/conn"
	"github.com/mealmind/gateway/internal/observability"
	"github.com/mealmind/gateway/internal/registry"
	"github.com/mealmind/gateway/internal/route"
	"github.com/mealmind/gateway/internal/util"
)

type fakeConn struct{}

func (fakeConn) Invoke(ctx context.Context, method string, args, reply interface{}, opts ...grpc.CallOption) error {
	return nil
}

func (fakeConn) NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	return nil, errors.New("streaming not supported")
}

func (fakeConn) Close() error { return nil }

type testHarness struct {
	dispatcher *Dispatcher
	registry   *registry.Registry
	dials      *int32
	calls      *int32
}

func fastResilience() *config.Resilience {
	return &config.Resilience{
		Timeout:                 config.Duration(time.Second),
		MaxRetries:              2,
		BackoffBase:             config.Duration(time.Millisecond),
		BackoffMultiplier:       2.0,
		CircuitFailureThreshold: 10,
		CircuitOpenDuration:     config.Duration(30 * time.Second),
	}
}

func testRoutes() []config.Route {
	return []config.Route{
		{Name: "login", Method: "POST", Path: "/api/v1/auth/login", Backend: "auth", RPC: "/auth.AuthService/Login"},
		{Name: "get-user", Method: "GET", Path: "/api/v1/users/{id}", Backend: "db", RPC: "/db.UserService/GetUser"},
	}
}

func newHarness(t *testing.T, invoke Invoker, opts ...Option) *testHarness {
	t.Helper()

	cfg := &config.GatewayConfig{
		Server: config.ServerConfig{Port: 8080},
		Backends: []config.Backend{
			{Name: "auth", Endpoints: []string{"auth-0:50051"}},
			{Name: "db", Endpoints: []string{"db-0:50052"}},
		},
		Routes:     testRoutes(),
		Resilience: fastResilience(),
	}
	require.NoError(t, cfg.Validate())

	table, err := route.NewTable(cfg)
	require.NoError(t, err)

	reg := registry.New(cfg.Backends)

	var dials, calls int32
	conns := conn.NewManager(cfg.Backends, reg, conn.WithDialer(func(ctx context.Context, target string) (conn.ClientConn, error) {
		atomic.AddInt32(&dials, 1)
		return fakeConn{}, nil
	}))

	counted := func(ctx context.Context, cc conn.ClientConn, fullMethod string, payload []byte) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return invoke(ctx, cc, fullMethod, payload)
	}

	opts = append([]Option{WithInvoker(counted)}, opts...)
	d := New(table, conns, reg, nil, opts...)

	return &testHarness{dispatcher: d, registry: reg, dials: &dials, calls: &calls}
}

func (h *testHarness) handle(ctx context.Context, method, path string, body []byte) *Response {
	return h.dispatcher.Handle(ctx, &Request{Method: method, Path: path, Body: body})
}

func TestHandle_Success(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, cc conn.ClientConn, fullMethod string, payload []byte) ([]byte, error) {
		assert.Equal(t, "/auth.AuthService/Login", fullMethod)
		assert.Equal(t, []byte(`{"user":"ada"}`), payload)
		return []byte(`{"token":"abc"}`), nil
	})

	resp := h.handle(context.Background(), "POST", "/api/v1/auth/login", []byte(`{"user":"ada"}`))

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, []byte(`{"token":"abc"}`), resp.Body)
	assert.Equal(t, int32(1), atomic.LoadInt32(h.calls))
}

func TestHandle_RouteNotFound(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, cc conn.ClientConn, fullMethod string, payload []byte) ([]byte, error) {
		return nil, nil
	})

	resp := h.handle(context.Background(), "GET", "/api/v1/unknown", nil)

	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Contains(t, string(resp.Body), "no route for")

	// No backend work happens for an unroutable request.
	assert.Equal(t, int32(0), atomic.LoadInt32(h.dials))
	assert.Equal(t, int32(0), atomic.LoadInt32(h.calls))
}

type rejectingTransformer struct{}

func (rejectingTransformer) TransformRequest(_ *route.Route, _ *Request) ([]byte, error) {
	return nil, util.NewClientRequestError("body is not valid JSON", nil)
}

func (rejectingTransformer) TransformResponse(_ *route.Route, p []byte) ([]byte, string, error) {
	return p, "application/json", nil
}

func TestHandle_BadRequestShortCircuits(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, cc conn.ClientConn, fullMethod string, payload []byte) ([]byte, error) {
		return nil, nil
	}, WithTransformer(rejectingTransformer{}))

	resp := h.handle(context.Background(), "POST", "/api/v1/auth/login", []byte("not json"))

	assert.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Equal(t, int32(0), atomic.LoadInt32(h.dials))
	assert.Equal(t, int32(0), atomic.LoadInt32(h.calls))
}

func TestHandle_RetriesTransportFailure(t *testing.T) {
	var n int32
	h := newHarness(t, func(ctx context.Context, cc conn.ClientConn, fullMethod string, payload []byte) ([]byte, error) {
		if atomic.AddInt32(&n, 1) <= 2 {
			return nil, status.Error(codes.Unavailable, "restarting")
		}
		return []byte("ok"), nil
	})

	resp := h.handle(context.Background(), "POST", "/api/v1/auth/login", nil)

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(h.calls))
}

func TestHandle_ExhaustedRetriesIs503(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, cc conn.ClientConn, fullMethod string, payload []byte) ([]byte, error) {
		return nil, status.Error(codes.Unavailable, "down")
	})

	resp := h.handle(context.Background(), "POST", "/api/v1/auth/login", nil)

	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(h.calls))
	assert.Contains(t, string(resp.Body), "unavailable")
}

func TestHandle_TransportFailureInvalidatesConnection(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, cc conn.ClientConn, fullMethod string, payload []byte) ([]byte, error) {
		return nil, status.Error(codes.Unavailable, "down")
	})

	_ = h.handle(context.Background(), "POST", "/api/v1/auth/login", nil)

	// Each failed attempt swaps the connection, so every attempt dials.
	assert.Equal(t, atomic.LoadInt32(h.calls), atomic.LoadInt32(h.dials))
}

func TestHandle_RejectionMapsGRPCStatus(t *testing.T) {
	tests := []struct {
		code codes.Code
		want int
	}{
		{codes.NotFound, http.StatusNotFound},
		{codes.InvalidArgument, http.StatusBadRequest},
		{codes.Unauthenticated, http.StatusUnauthorized},
		{codes.PermissionDenied, http.StatusForbidden},
		{codes.AlreadyExists, http.StatusConflict},
		{codes.Internal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			h := newHarness(t, func(ctx context.Context, cc conn.ClientConn, fullMethod string, payload []byte) ([]byte, error) {
				return nil, status.Error(tt.code, "no such user")
			})

			resp := h.handle(context.Background(), "GET", "/api/v1/users/42", nil)

			assert.Equal(t, tt.want, resp.Status)
			// Rejections are terminal; the backend executed the call.
			assert.Equal(t, int32(1), atomic.LoadInt32(h.calls))
		})
	}
}

func TestHandle_RejectionMessagePassesThrough(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, cc conn.ClientConn, fullMethod string, payload []byte) ([]byte, error) {
		return nil, status.Error(codes.NotFound, "user 42 does not exist")
	})

	resp := h.handle(context.Background(), "GET", "/api/v1/users/42", nil)
	assert.Contains(t, string(resp.Body), "user 42 does not exist")
}

func TestHandle_CircuitOpenFailsFastWithRetryAfter(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, cc conn.ClientConn, fullMethod string, payload []byte) ([]byte, error) {
		return nil, status.Error(codes.DeadlineExceeded, "too slow")
	})

	// Timeouts feed the breaker; the threshold of 10 is crossed during
	// the fourth request's first attempt.
	for i := 0; i < 4; i++ {
		_ = h.handle(context.Background(), "POST", "/api/v1/auth/login", nil)
	}

	before := atomic.LoadInt32(h.calls)
	resp := h.handle(context.Background(), "POST", "/api/v1/auth/login", nil)

	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Equal(t, before, atomic.LoadInt32(h.calls))
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Contains(t, string(resp.Body), "circuit_open")
}

func TestHandle_TimeoutIs504(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, cc conn.ClientConn, fullMethod string, payload []byte) ([]byte, error) {
		return nil, context.DeadlineExceeded
	})

	resp := h.handle(context.Background(), "POST", "/api/v1/auth/login", nil)
	assert.Equal(t, http.StatusGatewayTimeout, resp.Status)
}

func TestHandle_ExhaustedBudgetFailsWithoutBackendWork(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, cc conn.ClientConn, fullMethod string, payload []byte) ([]byte, error) {
		return []byte("ok"), nil
	})

	// The remaining budget is below the safety margin.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	resp := h.dispatcher.Handle(ctx, &Request{Method: "POST", Path: "/api/v1/auth/login"})

	assert.Equal(t, http.StatusGatewayTimeout, resp.Status)
	assert.Equal(t, int32(0), atomic.LoadInt32(h.calls))
}

func TestHandle_AttemptDeadlineWithinBudget(t *testing.T) {
	var attemptDeadline time.Time
	h := newHarness(t, func(ctx context.Context, cc conn.ClientConn, fullMethod string, payload []byte) ([]byte, error) {
		attemptDeadline, _ = ctx.Deadline()
		return []byte("ok"), nil
	})

	inbound := 500 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), inbound)
	defer cancel()
	deadline, _ := ctx.Deadline()

	resp := h.dispatcher.Handle(ctx, &Request{Method: "POST", Path: "/api/v1/auth/login"})

	require.Equal(t, http.StatusOK, resp.Status)
	require.False(t, attemptDeadline.IsZero())
	assert.False(t, attemptDeadline.After(deadline.Add(-config.DefaultSafetyMargin)))
}

func TestHandle_OutboundMetadata(t *testing.T) {
	var md metadata.MD
	h := newHarness(t, func(ctx context.Context, cc conn.ClientConn, fullMethod string, payload []byte) ([]byte, error) {
		md, _ = metadata.FromOutgoingContext(ctx)
		return []byte("ok"), nil
	})

	ctx := observability.ContextWithRequestID(context.Background(), "req-123")
	ctx = observability.ContextWithTraceID(ctx, "trace-456")

	req := &Request{
		Method: "GET",
		Path:   "/api/v1/users/42",
		Header: http.Header{"Authorization": []string{"Bearer tok"}},
	}
	resp := h.dispatcher.Handle(ctx, req)

	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, []string{"req-123"}, md.Get("x-request-id"))
	assert.Equal(t, []string{"trace-456"}, md.Get("x-trace-id"))
	assert.Equal(t, []string{"Bearer tok"}, md.Get("authorization"))
	assert.Equal(t, []string{"42"}, md.Get("x-path-id"))
}

func TestHandle_SuccessMarksBackendHealthy(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, cc conn.ClientConn, fullMethod string, payload []byte) ([]byte, error) {
		return []byte("ok"), nil
	})

	_ = h.handle(context.Background(), "POST", "/api/v1/auth/login", nil)

	snap := h.registry.HealthSnapshot()
	assert.Equal(t, registry.Healthy, snap["auth"])
}
