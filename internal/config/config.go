// Package config defines the gateway configuration surface: the HTTP
// listener, backend endpoints, route table, and resilience policies.
// Configuration is loaded once at startup; only backend endpoint sets
// may be refreshed at runtime through the watcher.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Default resilience policy values, applied by Resilience.Validate
// when a field is unset. The spec treats these as configuration, not
// fixed constants.
const (
	DefaultTimeout                 = 5 * time.Second
	DefaultMaxRetries              = 2
	DefaultBackoffBase             = 100 * time.Millisecond
	DefaultBackoffMultiplier       = 2.0
	DefaultCircuitFailureThreshold = 5
	DefaultCircuitOpenDuration     = 30 * time.Second
)

// DefaultSafetyMargin is subtracted from the inbound request's
// remaining deadline budget before it is propagated to a backend call.
const DefaultSafetyMargin = 50 * time.Millisecond

// GatewayConfig is the root configuration for the gateway.
type GatewayConfig struct {
	Server       ServerConfig  `yaml:"server" json:"server"`
	Log          LogConfig     `yaml:"log,omitempty" json:"log,omitempty"`
	Tracing      TracingConfig `yaml:"tracing,omitempty" json:"tracing,omitempty"`
	SafetyMargin Duration      `yaml:"safetyMargin,omitempty" json:"safetyMargin,omitempty"`
	Resilience   *Resilience   `yaml:"resilience,omitempty" json:"resilience,omitempty"`
	Backends     []Backend     `yaml:"backends" json:"backends"`
	Routes       []Route       `yaml:"routes" json:"routes"`
}

// ServerConfig configures the inbound HTTP listener.
type ServerConfig struct {
	Address         string   `yaml:"address,omitempty" json:"address,omitempty"`
	Port            int      `yaml:"port" json:"port"`
	ReadTimeout     Duration `yaml:"readTimeout,omitempty" json:"readTimeout,omitempty"`
	WriteTimeout    Duration `yaml:"writeTimeout,omitempty" json:"writeTimeout,omitempty"`
	IdleTimeout     Duration `yaml:"idleTimeout,omitempty" json:"idleTimeout,omitempty"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout,omitempty" json:"shutdownTimeout,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level,omitempty" json:"level,omitempty"`
	Format string `yaml:"format,omitempty" json:"format,omitempty"`
	Output string `yaml:"output,omitempty" json:"output,omitempty"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	OTLPEndpoint string  `yaml:"otlpEndpoint,omitempty" json:"otlpEndpoint,omitempty"`
	SamplingRate float64 `yaml:"samplingRate,omitempty" json:"samplingRate,omitempty"`
}

// Backend describes a downstream gRPC service.
type Backend struct {
	Name string `yaml:"name" json:"name"`

	// Endpoints is the ordered set of host:port addresses for this
	// backend. The first healthy endpoint is preferred.
	Endpoints []string `yaml:"endpoints" json:"endpoints"`

	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout Duration `yaml:"connectTimeout,omitempty" json:"connectTimeout,omitempty"`

	HealthCheck *HealthCheck `yaml:"healthCheck,omitempty" json:"healthCheck,omitempty"`

	// Resilience overrides the gateway-level policy for routes that
	// target this backend and carry no policy of their own.
	Resilience *Resilience `yaml:"resilience,omitempty" json:"resilience,omitempty"`
}

// HealthCheck configures the out-of-band health probe loop for a backend.
type HealthCheck struct {
	Interval Duration `yaml:"interval,omitempty" json:"interval,omitempty"`
	Timeout  Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Service is the grpc.health.v1 service name to probe. Empty
	// probes the backend's overall serving status.
	Service string `yaml:"service,omitempty" json:"service,omitempty"`

	// ConsecutiveFailures is the number of consecutive probe or call
	// failures that demote a backend one health level.
	ConsecutiveFailures int `yaml:"consecutiveFailures,omitempty" json:"consecutiveFailures,omitempty"`
}

// Resilience is a per-route (or per-backend default) resilience policy.
type Resilience struct {
	Timeout                 Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	MaxRetries              int      `yaml:"maxRetries,omitempty" json:"maxRetries,omitempty"`
	BackoffBase             Duration `yaml:"backoffBase,omitempty" json:"backoffBase,omitempty"`
	BackoffMultiplier       float64  `yaml:"backoffMultiplier,omitempty" json:"backoffMultiplier,omitempty"`
	CircuitFailureThreshold int      `yaml:"circuitFailureThreshold,omitempty" json:"circuitFailureThreshold,omitempty"`
	CircuitOpenDuration     Duration `yaml:"circuitOpenDuration,omitempty" json:"circuitOpenDuration,omitempty"`
}

// Validate normalizes the policy, applying defaults for unset fields.
func (r *Resilience) Validate() {
	if r.Timeout <= 0 {
		r.Timeout = Duration(DefaultTimeout)
	}
	if r.MaxRetries < 0 {
		r.MaxRetries = 0
	}
	if r.BackoffBase <= 0 {
		r.BackoffBase = Duration(DefaultBackoffBase)
	}
	if r.BackoffMultiplier < 1 {
		r.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if r.CircuitFailureThreshold < 1 {
		r.CircuitFailureThreshold = DefaultCircuitFailureThreshold
	}
	if r.CircuitOpenDuration <= 0 {
		r.CircuitOpenDuration = Duration(DefaultCircuitOpenDuration)
	}
}

// DefaultResilience returns a policy populated with the default values.
func DefaultResilience() *Resilience {
	r := &Resilience{MaxRetries: DefaultMaxRetries}
	r.Validate()
	return r
}

// Route maps an inbound HTTP request pattern to a backend RPC.
type Route struct {
	Name string `yaml:"name" json:"name"`

	// Method is the HTTP method this route accepts (GET, POST, ...).
	Method string `yaml:"method" json:"method"`

	// Path is the path template, e.g. /api/v1/users/{id}. Templates
	// ending in /* match any suffix.
	Path string `yaml:"path" json:"path"`

	// Backend is the logical name of the target backend.
	Backend string `yaml:"backend" json:"backend"`

	// RPC is the full gRPC method, e.g. /auth.AuthService/Login.
	RPC string `yaml:"rpc" json:"rpc"`

	// Resilience overrides the backend/gateway policy for this route.
	Resilience *Resilience `yaml:"resilience,omitempty" json:"resilience,omitempty"`
}

// Validate validates the configuration, returning the first problem found.
func (c *GatewayConfig) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port: invalid port %d", c.Server.Port)
	}
	if len(c.Backends) == 0 {
		return fmt.Errorf("backends: at least one backend is required")
	}

	backendNames := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backends[%d]: name is required", i)
		}
		if backendNames[b.Name] {
			return fmt.Errorf("backends[%d]: duplicate backend name %q", i, b.Name)
		}
		backendNames[b.Name] = true
		if len(b.Endpoints) == 0 {
			return fmt.Errorf("backends[%d] (%s): at least one endpoint is required", i, b.Name)
		}
		for j, ep := range b.Endpoints {
			if !strings.Contains(ep, ":") {
				return fmt.Errorf("backends[%d].endpoints[%d]: %q is not host:port", i, j, ep)
			}
		}
	}

	routeNames := make(map[string]bool, len(c.Routes))
	for i, r := range c.Routes {
		if r.Name == "" {
			return fmt.Errorf("routes[%d]: name is required", i)
		}
		if routeNames[r.Name] {
			return fmt.Errorf("routes[%d]: duplicate route name %q", i, r.Name)
		}
		routeNames[r.Name] = true
		if r.Method == "" {
			return fmt.Errorf("routes[%d] (%s): method is required", i, r.Name)
		}
		if !strings.HasPrefix(r.Path, "/") {
			return fmt.Errorf("routes[%d] (%s): path must start with /", i, r.Name)
		}
		if !backendNames[r.Backend] {
			return fmt.Errorf("routes[%d] (%s): unknown backend %q", i, r.Name, r.Backend)
		}
		if err := validateRPC(r.RPC); err != nil {
			return fmt.Errorf("routes[%d] (%s): %w", i, r.Name, err)
		}
	}

	return nil
}

// validateRPC checks that an RPC name has the /package.Service/Method shape.
func validateRPC(rpc string) error {
	if !strings.HasPrefix(rpc, "/") {
		return fmt.Errorf("rpc %q must start with /", rpc)
	}
	parts := strings.Split(rpc[1:], "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("rpc %q must have the form /package.Service/Method", rpc)
	}
	return nil
}

// PolicyFor resolves the effective resilience policy for a route:
// route-level overrides backend-level overrides gateway-level.
func (c *GatewayConfig) PolicyFor(r *Route) *Resilience {
	if r.Resilience != nil {
		r.Resilience.Validate()
		return r.Resilience
	}
	for i := range c.Backends {
		if c.Backends[i].Name == r.Backend && c.Backends[i].Resilience != nil {
			c.Backends[i].Resilience.Validate()
			return c.Backends[i].Resilience
		}
	}
	if c.Resilience != nil {
		c.Resilience.Validate()
		return c.Resilience
	}
	return DefaultResilience()
}

// EffectiveSafetyMargin returns the configured deadline safety margin,
// or the default when unset.
func (c *GatewayConfig) EffectiveSafetyMargin() time.Duration {
	if c.SafetyMargin > 0 {
		return c.SafetyMargin.Duration()
	}
	return DefaultSafetyMargin
}
