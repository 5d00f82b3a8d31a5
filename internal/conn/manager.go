// Package conn manages gRPC client connections to backends. Each
// backend has at most one live connection, shared by all in-flight
// requests and swapped atomically when it fails.
package conn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/mealmind/gateway/internal/config"
	"github.com/mealmind/gateway/internal/observability"
	"github.com/mealmind/gateway/internal/registry"
	"github.com/mealmind/gateway/internal/util"
)

// DefaultConnectTimeout bounds a single connection attempt when the
// backend does not configure its own.
const DefaultConnectTimeout = 10 * time.Second

// Reconnect attempts per backend are throttled so a flapping backend
// cannot trigger a dial storm from concurrent requests.
const (
	reconnectCoolDown = time.Second
	reconnectBurst    = 3
)

// ClientConn is the slice of *grpc.ClientConn the manager hands out.
// Tests substitute fakes through WithDialer.
type ClientConn interface {
	grpc.ClientConnInterface
	Close() error
}

// Dialer establishes a connection to one endpoint.
type Dialer func(ctx context.Context, target string) (ClientConn, error)

// backendConn is the per-backend connection slot. Its mutex is held
// across a dial, so concurrent acquirers wait for the in-progress
// attempt instead of dialing in parallel.
type backendConn struct {
	mu       sync.Mutex
	current  ClientConn
	endpoint string
	limiter  *rate.Limiter
}

// Manager owns the connection slots for all backends.
type Manager struct {
	registry *registry.Registry
	dialer   Dialer
	logger   observability.Logger
	metrics  *observability.Metrics

	connectTimeout map[string]time.Duration

	mu       sync.Mutex
	backends map[string]*backendConn
}

// ManagerOption is a functional option for configuring the manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger for the manager.
func WithManagerLogger(logger observability.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithManagerMetrics sets the metrics sink for the manager.
func WithManagerMetrics(metrics *observability.Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithDialer overrides the dial function. Used in tests.
func WithDialer(d Dialer) ManagerOption {
	return func(m *Manager) {
		m.dialer = d
	}
}

// NewManager creates a connection manager over the configured backends.
// Endpoint preference is delegated to the registry at acquire time.
func NewManager(backends []config.Backend, reg *registry.Registry, opts ...ManagerOption) *Manager {
	m := &Manager{
		registry:       reg,
		logger:         observability.NopLogger(),
		connectTimeout: make(map[string]time.Duration, len(backends)),
		backends:       make(map[string]*backendConn, len(backends)),
	}
	for _, b := range backends {
		m.backends[b.Name] = newBackendConn()
		if b.ConnectTimeout > 0 {
			m.connectTimeout[b.Name] = b.ConnectTimeout.Duration()
		}
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dialer == nil {
		m.dialer = grpcDialer()
	}
	return m
}

func newBackendConn() *backendConn {
	return &backendConn{
		limiter: rate.NewLimiter(rate.Every(reconnectCoolDown), reconnectBurst),
	}
}

// grpcDialer returns the production dialer: a non-blocking client that
// is then driven to Ready within the attempt's deadline.
func grpcDialer(extra ...grpc.DialOption) Dialer {
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	}, extra...)

	return func(ctx context.Context, target string) (ClientConn, error) {
		cc, err := grpc.NewClient(target, opts...)
		if err != nil {
			return nil, fmt.Errorf("create client for %s: %w", target, err)
		}
		cc.Connect()
		for {
			state := cc.GetState()
			if state == connectivity.Ready {
				return cc, nil
			}
			if !cc.WaitForStateChange(ctx, state) {
				_ = cc.Close()
				return nil, fmt.Errorf("connect to %s: %w", target, ctx.Err())
			}
		}
	}
}

// Acquire returns the backend's current connection, establishing one
// if none is live. Endpoints are tried in the registry's preferred
// order; a dial failure moves on to the next endpoint.
func (m *Manager) Acquire(ctx context.Context, backend string) (ClientConn, string, error) {
	bc := m.slot(backend)

	bc.mu.Lock()
	defer bc.mu.Unlock()

	if bc.current != nil {
		return bc.current, bc.endpoint, nil
	}

	if !bc.limiter.Allow() {
		return nil, "", fmt.Errorf("backend %s: reconnect throttled: %w", backend, util.ErrBackendUnavailable)
	}

	b, err := m.registry.Resolve(backend)
	if err != nil {
		return nil, "", err
	}

	timeout := m.connectTimeout[backend]
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	var lastErr error
	for _, endpoint := range b.Endpoints {
		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		cc, err := m.dialer(dialCtx, endpoint)
		cancel()
		if err != nil {
			lastErr = err
			if m.metrics != nil {
				m.metrics.RecordConnectionFailure(backend)
			}
			m.logger.Warn("connection attempt failed",
				observability.String("backend", backend),
				observability.String("endpoint", endpoint),
				observability.Error(err),
			)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		bc.current = cc
		bc.endpoint = endpoint
		if m.metrics != nil {
			m.metrics.RecordConnection(backend)
		}
		m.logger.Info("connected to backend",
			observability.String("backend", backend),
			observability.String("endpoint", endpoint),
		)
		return cc, endpoint, nil
	}

	return nil, "", fmt.Errorf("backend %s: no endpoint reachable: %w (last: %v)",
		backend, util.ErrBackendUnavailable, lastErr)
}

// Invalidate discards a failed connection. The swap is conditional on
// the caller's connection still being current, so a request racing a
// completed swap does not tear down the replacement.
func (m *Manager) Invalidate(backend string, failed ClientConn) {
	bc := m.slot(backend)

	bc.mu.Lock()
	defer bc.mu.Unlock()

	if bc.current == nil || bc.current != failed {
		return
	}

	m.logger.Info("invalidating backend connection",
		observability.String("backend", backend),
		observability.String("endpoint", bc.endpoint),
	)
	_ = bc.current.Close()
	bc.current = nil
	bc.endpoint = ""
}

// Endpoint returns the endpoint of the backend's live connection, or
// empty when none is established.
func (m *Manager) Endpoint(backend string) string {
	bc := m.slot(backend)
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.endpoint
}

// Close tears down all live connections.
func (m *Manager) Close() error {
	m.mu.Lock()
	slots := make([]*backendConn, 0, len(m.backends))
	for _, bc := range m.backends {
		slots = append(slots, bc)
	}
	m.mu.Unlock()

	var lastErr error
	for _, bc := range slots {
		bc.mu.Lock()
		if bc.current != nil {
			if err := bc.current.Close(); err != nil {
				lastErr = err
			}
			bc.current = nil
			bc.endpoint = ""
		}
		bc.mu.Unlock()
	}
	return lastErr
}

// slot returns the backend's connection slot, creating one for
// backends added by a config refresh.
func (m *Manager) slot(backend string) *backendConn {
	m.mu.Lock()
	defer m.mu.Unlock()

	bc, ok := m.backends[backend]
	if !ok {
		bc = newBackendConn()
		m.backends[backend] = bc
	}
	return bc
}
