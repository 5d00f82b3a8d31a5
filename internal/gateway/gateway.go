// Package gateway assembles the gateway's components: registry,
// connection manager, route table, resilience executors, dispatcher,
// health prober, and the inbound HTTP server.
package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/mealmind/gateway/internal/config"
	"github.com/mealmind/gateway/internal/conn"
	"github.com/mealmind/gateway/internal/dispatch"
	"github.com/mealmind/gateway/internal/health"
	"github.com/mealmind/gateway/internal/middleware"
	"github.com/mealmind/gateway/internal/observability"
	"github.com/mealmind/gateway/internal/registry"
	"github.com/mealmind/gateway/internal/resilience"
	"github.com/mealmind/gateway/internal/route"
)

// ginModeOnce guards the global gin mode switch.
var ginModeOnce sync.Once

// Gateway is the assembled gateway process.
type Gateway struct {
	cfg     *config.GatewayConfig
	logger  observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	registry     *registry.Registry
	conns        *conn.Manager
	table        *route.Table
	dispatcher   *dispatch.Dispatcher
	prober       *health.Prober
	watcher      *config.Watcher
	transformer  dispatch.Transformer
	dispatchOpts []dispatch.Option
	connOpts     []conn.ManagerOption

	engine     *gin.Engine
	httpServer *http.Server

	mu      sync.Mutex
	running bool
}

// GatewayOption is a functional option for configuring the gateway.
type GatewayOption func(*Gateway)

// WithConfigWatcher enables backend refresh from the config file at
// path while the gateway runs.
func WithConfigWatcher(path string) GatewayOption {
	return func(g *Gateway) {
		w, err := config.NewWatcher(path, func(backends []config.Backend) {
			g.registry.UpdateBackends(backends)
		}, config.WithWatcherLogger(g.logger))
		if err != nil {
			g.logger.Warn("config watcher disabled", observability.Error(err))
			return
		}
		g.watcher = w
	}
}

// WithTransformer sets the dispatcher's payload transformer.
func WithTransformer(t dispatch.Transformer) GatewayOption {
	return func(g *Gateway) {
		g.transformer = t
	}
}

// WithDispatchOptions appends options to the dispatcher, letting
// tests substitute the invoker.
func WithDispatchOptions(opts ...dispatch.Option) GatewayOption {
	return func(g *Gateway) {
		g.dispatchOpts = append(g.dispatchOpts, opts...)
	}
}

// WithConnOptions appends options to the connection manager, letting
// tests substitute the dialer.
func WithConnOptions(opts ...conn.ManagerOption) GatewayOption {
	return func(g *Gateway) {
		g.connOpts = append(g.connOpts, opts...)
	}
}

// New assembles a gateway from validated configuration.
func New(cfg *config.GatewayConfig, logger observability.Logger, opts ...GatewayOption) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	metrics := observability.NewMetrics("gateway")

	g := &Gateway{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}

	for _, opt := range opts {
		opt(g)
	}

	g.registry = registry.New(cfg.Backends,
		registry.WithLogger(logger),
		registry.WithStatusCallback(func(name string, _, to registry.Health) {
			metrics.RecordBackendHealth(name, int(to))
		}),
	)

	connOpts := append([]conn.ManagerOption{
		conn.WithManagerLogger(logger),
		conn.WithManagerMetrics(metrics),
	}, g.connOpts...)
	g.conns = conn.NewManager(cfg.Backends, g.registry, connOpts...)

	table, err := route.NewTable(cfg)
	if err != nil {
		return nil, err
	}
	g.table = table

	if cfg.Tracing.Enabled {
		tracer, err := observability.NewTracer(observability.TracerConfig{
			ServiceName:  "gateway",
			OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
			SamplingRate: cfg.Tracing.SamplingRate,
			Enabled:      true,
		})
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		g.tracer = tracer
	}

	dispatchOpts := []dispatch.Option{
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(metrics),
		dispatch.WithSafetyMargin(cfg.EffectiveSafetyMargin()),
	}
	if g.transformer != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithTransformer(g.transformer))
	}
	dispatchOpts = append(dispatchOpts, g.dispatchOpts...)
	g.dispatcher = dispatch.New(table, g.conns, g.registry, g.executors(), dispatchOpts...)

	g.prober = health.NewProber(cfg.Backends, g.registry, g.conns,
		health.WithProberLogger(logger),
	)

	g.engine = g.buildEngine()
	return g, nil
}

// executors builds the per-backend resilience executors. The breaker
// for a backend uses that backend's effective policy; per-route policy
// overrides still apply to timeouts and retries at dispatch time.
func (g *Gateway) executors() map[string]*resilience.Executor {
	executors := make(map[string]*resilience.Executor, len(g.cfg.Backends))
	for i := range g.cfg.Backends {
		b := &g.cfg.Backends[i]

		policy := b.Resilience
		if policy == nil {
			policy = g.cfg.Resilience
		}
		if policy == nil {
			policy = config.DefaultResilience()
		}
		policy.Validate()

		breaker := resilience.NewBreaker(b.Name,
			policy.CircuitFailureThreshold,
			policy.CircuitOpenDuration.Duration(),
			resilience.WithBreakerLogger(g.logger),
			resilience.WithStateChangeCallback(func(name string, from, to resilience.State) {
				g.metrics.RecordCircuitState(name, int(to))
				g.metrics.RecordCircuitChange(name, from.String(), to.String())
			}),
		)
		executors[b.Name] = resilience.NewExecutor(breaker, g.logger)
	}
	return executors
}

// buildEngine wires the middleware chain and mounts the operational
// endpoints plus the catch-all dispatch handler.
func (g *Gateway) buildEngine() *gin.Engine {
	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	engine := gin.New()
	engine.Use(
		middleware.RequestID(),
		middleware.Recovery(g.logger),
	)
	if g.cfg.Tracing.Enabled {
		engine.Use(middleware.TracingWithConfig(middleware.TracingConfig{
			ServiceName: "gateway",
			SkipPaths:   []string{"/healthz", "/readyz", "/metrics"},
		}))
	}
	engine.Use(
		middleware.LoggingWithConfig(middleware.LoggingConfig{
			Logger:    g.logger,
			SkipPaths: []string{"/healthz", "/readyz", "/metrics"},
		}),
		middleware.Metrics(g.metrics),
	)

	health.NewHandler(g.registry).Register(engine)
	engine.GET("/metrics", gin.WrapH(g.metrics.Handler()))

	engine.NoRoute(g.handleDispatch)
	return engine
}

// handleDispatch adapts a gin request into the dispatcher and writes
// the dispatcher's response back.
func (g *Gateway) handleDispatch(c *gin.Context) {
	var body []byte
	if c.Request.Body != nil {
		b, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
			return
		}
		body = b
	}

	resp := g.dispatcher.Handle(c.Request.Context(), &dispatch.Request{
		Method: c.Request.Method,
		Path:   c.Request.URL.Path,
		Header: c.Request.Header,
		Body:   body,
	})

	if resp.Route != "" {
		c.Set(middleware.RouteKey, resp.Route)
	}
	for key, values := range resp.Header {
		for _, v := range values {
			c.Writer.Header().Add(key, v)
		}
	}
	c.Data(resp.Status, resp.Header.Get("Content-Type"), resp.Body)
}

// Engine returns the underlying gin engine, used in tests.
func (g *Gateway) Engine() *gin.Engine {
	return g.engine
}

// Registry returns the backend registry.
func (g *Gateway) Registry() *registry.Registry {
	return g.registry
}

// Start runs the gateway until the listener fails or Stop is called.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return fmt.Errorf("gateway already running")
	}
	g.running = true

	addr := fmt.Sprintf("%s:%d", g.cfg.Server.Address, g.cfg.Server.Port)
	g.httpServer = &http.Server{
		Addr:         addr,
		Handler:      g.engine,
		ReadTimeout:  g.cfg.Server.ReadTimeout.Duration(),
		WriteTimeout: g.cfg.Server.WriteTimeout.Duration(),
		IdleTimeout:  g.cfg.Server.IdleTimeout.Duration(),
	}
	g.mu.Unlock()

	g.prober.Start()
	if g.watcher != nil {
		if err := g.watcher.Start(ctx); err != nil {
			g.logger.Warn("config watcher failed to start", observability.Error(err))
		}
	}

	g.logger.Info("starting gateway",
		observability.String("address", addr),
		observability.Int("backends", len(g.cfg.Backends)),
		observability.Int("routes", len(g.cfg.Routes)),
	)

	err := g.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		g.mu.Lock()
		g.running = false
		g.mu.Unlock()
		return fmt.Errorf("listener error: %w", err)
	}
	return nil
}

// Stop shuts the gateway down gracefully: the listener drains within
// ctx, then probes, watcher, tracer, and backend connections close.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return nil
	}
	g.running = false
	g.mu.Unlock()

	g.logger.Info("stopping gateway")

	var firstErr error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("shutdown listener: %w", err)
	}

	g.prober.Stop()
	if g.watcher != nil {
		g.watcher.Stop()
	}
	if g.tracer != nil {
		if err := g.tracer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("shutdown tracer: %w", err)
		}
	}
	if err := g.conns.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close connections: %w", err)
	}

	g.logger.Info("gateway stopped")
	return firstErr
}
