// Package registry tracks the set of known backends, their endpoint
// addresses, and their health state. Backends are created at startup
// from configuration and refreshed through UpdateBackends; they are
// never removed while the process runs, only marked Unreachable.
package registry

import (
	"sync"
	"time"

	"github.com/mealmind/gateway/internal/config"
	"github.com/mealmind/gateway/internal/observability"
	"github.com/mealmind/gateway/internal/util"
)

// Health represents the health state of a backend.
type Health int

const (
	// Healthy indicates the backend is serving normally.
	Healthy Health = iota

	// Degraded indicates the backend has crossed the consecutive
	// failure threshold but may still serve some calls.
	Degraded

	// Unreachable indicates continued failure while Degraded.
	Unreachable
)

// String returns the string representation of the health state.
func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// DefaultConsecutiveFailures is the demotion threshold applied when a
// backend's health check config does not set one.
const DefaultConsecutiveFailures = 3

// Backend is an immutable snapshot of a registered backend.
type Backend struct {
	Name      string
	Endpoints []string
	Health    Health
	LastCheck time.Time
}

// Available reports whether the backend should be offered connections.
// Unreachable backends are still probed out-of-band, but the dispatch
// path treats them like any other; the health state feeds endpoint
// preference, not admission (the circuit breaker handles admission).
func (b *Backend) Available() bool {
	return b.Health != Unreachable
}

// StatusFunc is called when a backend's health state changes.
type StatusFunc func(name string, from, to Health)

// entry is the mutable per-backend record, guarded by Registry.mu.
type entry struct {
	name        string
	endpoints   []string
	preferred   int
	health      Health
	consecFails int
	demoteAfter int
	lastCheck   time.Time
}

// Registry is the backend registry.
type Registry struct {
	mu             sync.RWMutex
	entries        map[string]*entry
	logger         observability.Logger
	onStatusChange StatusFunc
}

// Option is a functional option for configuring the registry.
type Option func(*Registry)

// WithLogger sets the logger for the registry.
func WithLogger(logger observability.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithStatusCallback sets a callback invoked on health state changes.
func WithStatusCallback(fn StatusFunc) Option {
	return func(r *Registry) {
		r.onStatusChange = fn
	}
}

// New creates a registry populated from the configured backends.
func New(backends []config.Backend, opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry, len(backends)),
		logger:  observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(r)
	}

	r.UpdateBackends(backends)
	return r
}

// Resolve returns a snapshot of the named backend, with endpoints
// rotated so the currently preferred endpoint comes first.
func (r *Registry) Resolve(name string) (*Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, util.ErrNotFound
	}
	return e.snapshot(), nil
}

// MarkResult records the outcome of a call or probe against a backend
// endpoint. A success at any health state restores Healthy
// immediately; failures demote one level once the consecutive failure
// threshold is crossed. A failure also advances the preferred endpoint
// so the next connection attempt tries the following address.
func (r *Registry) MarkResult(name, endpoint string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return
	}

	e.lastCheck = time.Now()
	before := e.health

	if success {
		e.consecFails = 0
		e.health = Healthy
	} else {
		e.consecFails++
		if e.consecFails >= e.demoteAfter {
			switch e.health {
			case Healthy:
				e.health = Degraded
			case Degraded:
				e.health = Unreachable
			}
			e.consecFails = 0
		}
		e.advancePreferred(endpoint)
	}

	if e.health != before {
		r.logger.Info("backend health changed",
			observability.String("backend", name),
			observability.String("from", before.String()),
			observability.String("to", e.health.String()),
		)
		if r.onStatusChange != nil {
			r.onStatusChange(name, before, e.health)
		}
	}
}

// HealthSnapshot returns the current health state of every backend.
func (r *Registry) HealthSnapshot() map[string]Health {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make(map[string]Health, len(r.entries))
	for name, e := range r.entries {
		snapshot[name] = e.health
	}
	return snapshot
}

// Backends returns snapshots of all registered backends.
func (r *Registry) Backends() []*Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	backends := make([]*Backend, 0, len(r.entries))
	for _, e := range r.entries {
		backends = append(backends, e.snapshot())
	}
	return backends
}

// UpdateBackends applies a refreshed backend set from configuration or
// discovery. Endpoint sets are replaced for existing backends and new
// backends are added; backends absent from the refresh are kept but
// marked Unreachable rather than removed.
func (r *Registry) UpdateBackends(backends []config.Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(backends))
	for _, b := range backends {
		seen[b.Name] = true

		demoteAfter := DefaultConsecutiveFailures
		if b.HealthCheck != nil && b.HealthCheck.ConsecutiveFailures > 0 {
			demoteAfter = b.HealthCheck.ConsecutiveFailures
		}

		if e, ok := r.entries[b.Name]; ok {
			e.endpoints = append([]string(nil), b.Endpoints...)
			if e.preferred >= len(e.endpoints) {
				e.preferred = 0
			}
			e.demoteAfter = demoteAfter
			continue
		}

		r.entries[b.Name] = &entry{
			name:        b.Name,
			endpoints:   append([]string(nil), b.Endpoints...),
			health:      Healthy,
			demoteAfter: demoteAfter,
		}
	}

	for name, e := range r.entries {
		if !seen[name] && e.health != Unreachable {
			before := e.health
			e.health = Unreachable
			r.logger.Warn("backend dropped from configuration, marking unreachable",
				observability.String("backend", name),
			)
			if r.onStatusChange != nil {
				r.onStatusChange(name, before, Unreachable)
			}
		}
	}
}

// snapshot builds an immutable view of the entry. Caller holds r.mu.
func (e *entry) snapshot() *Backend {
	endpoints := make([]string, 0, len(e.endpoints))
	for i := 0; i < len(e.endpoints); i++ {
		endpoints = append(endpoints, e.endpoints[(e.preferred+i)%len(e.endpoints)])
	}
	return &Backend{
		Name:      e.name,
		Endpoints: endpoints,
		Health:    e.health,
		LastCheck: e.lastCheck,
	}
}

// advancePreferred moves the endpoint cursor past a failed endpoint.
// Caller holds r.mu.
func (e *entry) advancePreferred(failed string) {
	if len(e.endpoints) < 2 {
		return
	}
	if failed == "" || e.endpoints[e.preferred] == failed {
		e.preferred = (e.preferred + 1) % len(e.endpoints)
	}
}
