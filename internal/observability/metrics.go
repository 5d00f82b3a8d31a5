package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// unmatchedRoute is the label value used for requests that do not
// match any configured route, ensuring bounded cardinality.
const unmatchedRoute = "unmatched"

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	dispatchAttempts *prometheus.HistogramVec
	backendErrors    *prometheus.CounterVec
	backendHealth    *prometheus.GaugeVec
	circuitState     *prometheus.GaugeVec
	circuitChanges   *prometheus.CounterVec
	connEstablished  *prometheus.CounterVec
	connFailures     *prometheus.CounterVec
	registry         *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "gateway"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10,
			},
		},
		[]string{"method", "route", "status"},
	)

	m.dispatchAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_attempts",
			Help:      "Number of backend call attempts per dispatched request",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		},
		[]string{"backend", "route"},
	)

	m.backendErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_errors_total",
			Help:      "Total number of terminal backend failures by kind",
		},
		[]string{"backend", "route", "kind"},
	)

	m.backendHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_health",
			Help:      "Backend health state (0=healthy, 1=degraded, 2=unreachable)",
		},
		[]string{"backend"},
	)

	m.circuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"backend"},
	)

	m.circuitChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_state_changes_total",
			Help:      "Total number of circuit breaker state changes",
		},
		[]string{"backend", "from", "to"},
	)

	m.connEstablished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_established_total",
			Help:      "Total number of backend connections established",
		},
		[]string{"backend"},
	)

	m.connFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_failures_total",
			Help:      "Total number of backend connection failures",
		},
		[]string{"backend"},
	)

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.dispatchAttempts,
		m.backendErrors,
		m.backendHealth,
		m.circuitState,
		m.circuitChanges,
		m.connEstablished,
		m.connFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler returns an HTTP handler serving the metrics registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRequest records a completed HTTP request.
func (m *Metrics) RecordRequest(method, route, status string, seconds float64) {
	if route == "" {
		route = unmatchedRoute
	}
	m.requestsTotal.WithLabelValues(method, route, status).Inc()
	m.requestDuration.WithLabelValues(method, route, status).Observe(seconds)
}

// RecordDispatch records the attempt count of a dispatched request.
func (m *Metrics) RecordDispatch(backend, route string, attempts int) {
	m.dispatchAttempts.WithLabelValues(backend, route).Observe(float64(attempts))
}

// RecordBackendError records a terminal backend failure.
func (m *Metrics) RecordBackendError(backend, route, kind string) {
	m.backendErrors.WithLabelValues(backend, route, kind).Inc()
}

// RecordBackendHealth records the health state of a backend.
func (m *Metrics) RecordBackendHealth(backend string, state int) {
	m.backendHealth.WithLabelValues(backend).Set(float64(state))
}

// RecordCircuitState records the state of a backend circuit breaker.
func (m *Metrics) RecordCircuitState(backend string, state int) {
	m.circuitState.WithLabelValues(backend).Set(float64(state))
}

// RecordCircuitChange records a circuit breaker state change.
func (m *Metrics) RecordCircuitChange(backend, from, to string) {
	m.circuitChanges.WithLabelValues(backend, from, to).Inc()
}

// RecordConnection records an established backend connection.
func (m *Metrics) RecordConnection(backend string) {
	m.connEstablished.WithLabelValues(backend).Inc()
}

// RecordConnectionFailure records a failed backend connection attempt.
func (m *Metrics) RecordConnectionFailure(backend string) {
	m.connFailures.WithLabelValues(backend).Inc()
}
