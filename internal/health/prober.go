// Package health provides the out-of-band backend health probe loop
// and the gateway's own health endpoints.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/mealmind/gateway/internal/config"
	"github.com/mealmind/gateway/internal/conn"
	"github.com/mealmind/gateway/internal/observability"
	"github.com/mealmind/gateway/internal/registry"
	"github.com/mealmind/gateway/internal/resilience"
	"github.com/mealmind/gateway/internal/util"
)

// Default probe cadence, used when a backend's health check section
// leaves them unset.
const (
	DefaultProbeInterval = 10 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
)

// CheckFunc performs one health probe against a backend connection.
type CheckFunc func(ctx context.Context, cc conn.ClientConn, service string) error

// grpcCheck probes a backend through the standard grpc.health.v1
// Check RPC.
func grpcCheck(ctx context.Context, cc conn.ClientConn, service string) error {
	resp, err := healthpb.NewHealthClient(cc).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("backend reports %s: %w", resp.GetStatus(), util.ErrBackendUnavailable)
	}
	return nil
}

// Prober runs a periodic health probe per backend, feeding results
// into the registry alongside the results of real traffic.
type Prober struct {
	registry *registry.Registry
	conns    *conn.Manager
	backends []config.Backend
	check    CheckFunc
	logger   observability.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// ProberOption is a functional option for configuring the prober.
type ProberOption func(*Prober)

// WithProberLogger sets the logger for the prober.
func WithProberLogger(logger observability.Logger) ProberOption {
	return func(p *Prober) {
		p.logger = logger
	}
}

// WithCheckFunc overrides the probe function. Used in tests.
func WithCheckFunc(fn CheckFunc) ProberOption {
	return func(p *Prober) {
		p.check = fn
	}
}

// NewProber creates a prober over the configured backends.
func NewProber(backends []config.Backend, reg *registry.Registry, conns *conn.Manager, opts ...ProberOption) *Prober {
	p := &Prober{
		registry: reg,
		conns:    conns,
		backends: backends,
		check:    grpcCheck,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches one probe loop per backend. Idempotent.
func (p *Prober) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return
	}
	p.started = true
	p.stopCh = make(chan struct{})

	for _, b := range p.backends {
		p.wg.Add(1)
		go p.probeLoop(b)
	}

	p.logger.Info("health prober started",
		observability.Int("backends", len(p.backends)),
	)
}

// Stop terminates all probe loops and waits for them to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("health prober stopped")
}

// probeLoop probes one backend on its configured cadence.
func (p *Prober) probeLoop(b config.Backend) {
	defer p.wg.Done()

	interval, timeout, service := probeSettings(b)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.probeOnce(b.Name, service, timeout)
		}
	}
}

// probeOnce performs a single probe and folds the result into the
// registry. A probe that fails at the transport level also discards
// the backend's connection so the next request redials.
func (p *Prober) probeOnce(backend, service string, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cc, endpoint, err := p.conns.Acquire(ctx, backend)
	if err != nil {
		p.registry.MarkResult(backend, "", false)
		p.logger.Debug("health probe could not connect",
			observability.String("backend", backend),
			observability.Error(err),
		)
		return
	}

	if err := p.check(ctx, cc, service); err != nil {
		kind := resilience.Classify(err)
		if errors.Is(kind, util.ErrBackendUnavailable) {
			p.conns.Invalidate(backend, cc)
		}
		p.registry.MarkResult(backend, endpoint, false)
		p.logger.Debug("health probe failed",
			observability.String("backend", backend),
			observability.String("endpoint", endpoint),
			observability.Error(err),
		)
		return
	}

	p.registry.MarkResult(backend, endpoint, true)
}

// probeSettings resolves a backend's probe cadence.
func probeSettings(b config.Backend) (interval, timeout time.Duration, service string) {
	interval = DefaultProbeInterval
	timeout = DefaultProbeTimeout
	if hc := b.HealthCheck; hc != nil {
		if hc.Interval > 0 {
			interval = hc.Interval.Duration()
		}
		if hc.Timeout > 0 {
			timeout = hc.Timeout.Duration()
		}
		service = hc.Service
	}
	return interval, timeout, service
}
