// Package dispatch implements the request dispatcher: it matches an
// inbound HTTP request to a route, forwards it to the route's backend
// under the backend's resilience policy, and maps the outcome back to
// an HTTP response.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/mealmind/gateway/internal/config"
	"github.com/mealmind/gateway/internal/conn"
	"github.com/mealmind/gateway/internal/observability"
	"github.com/mealmind/gateway/internal/registry"
	"github.com/mealmind/gateway/internal/resilience"
	"github.com/mealmind/gateway/internal/route"
	"github.com/mealmind/gateway/internal/util"
)

// Request is the gateway's view of an inbound HTTP request.
type Request struct {
	Method     string
	Path       string
	Header     http.Header
	Body       []byte
	PathParams map[string]string
}

// Response is the gateway's view of the outbound HTTP response. Route
// is the matched route's name, kept for metrics labels; empty when no
// route matched.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Route  string
}

// Transformer converts between HTTP payloads and backend message
// payloads. The default transformer forwards bytes untouched; a
// deployment with typed backends plugs in its own.
type Transformer interface {
	// TransformRequest produces the message payload to send. A
	// malformed inbound request is reported as ClientRequestError and
	// never reaches a backend.
	TransformRequest(r *route.Route, req *Request) ([]byte, error)

	// TransformResponse produces the HTTP body and content type from a
	// backend's reply payload.
	TransformResponse(r *route.Route, payload []byte) ([]byte, string, error)
}

// PassthroughTransformer forwards payloads without interpretation.
type PassthroughTransformer struct{}

// TransformRequest returns the request body unchanged.
func (PassthroughTransformer) TransformRequest(_ *route.Route, req *Request) ([]byte, error) {
	return req.Body, nil
}

// TransformResponse returns the reply payload unchanged.
func (PassthroughTransformer) TransformResponse(_ *route.Route, payload []byte) ([]byte, string, error) {
	return payload, "application/octet-stream", nil
}

// Invoker performs one unary call on an established connection.
type Invoker func(ctx context.Context, cc conn.ClientConn, fullMethod string, payload []byte) ([]byte, error)

// grpcInvoke is the production invoker, forwarding raw frames. The
// raw codec is installed as a default call option at dial time.
func grpcInvoke(ctx context.Context, cc conn.ClientConn, fullMethod string, payload []byte) ([]byte, error) {
	in := conn.NewFrame(payload)
	out := conn.NewFrame(nil)
	if err := cc.Invoke(ctx, fullMethod, in, out); err != nil {
		return nil, err
	}
	return out.Payload(), nil
}

// Dispatcher routes and forwards inbound requests.
type Dispatcher struct {
	table       *route.Table
	conns       *conn.Manager
	registry    *registry.Registry
	transformer Transformer
	invoker     Invoker
	margin      time.Duration
	logger      observability.Logger
	metrics     *observability.Metrics

	mu        sync.Mutex
	executors map[string]*resilience.Executor
}

// Option is a functional option for configuring the dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger for the dispatcher.
func WithLogger(logger observability.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMetrics sets the metrics sink for the dispatcher.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// WithTransformer sets the payload transformer.
func WithTransformer(t Transformer) Option {
	return func(d *Dispatcher) {
		d.transformer = t
	}
}

// WithInvoker overrides the unary call function. Used in tests.
func WithInvoker(inv Invoker) Option {
	return func(d *Dispatcher) {
		d.invoker = inv
	}
}

// WithSafetyMargin sets the deadline safety margin subtracted from the
// inbound budget before it is propagated to backend calls.
func WithSafetyMargin(margin time.Duration) Option {
	return func(d *Dispatcher) {
		d.margin = margin
	}
}

// New creates a dispatcher. executors holds the per-backend resilience
// executors sharing each backend's circuit breaker; backends appearing
// later through a config refresh get an executor on first use.
func New(table *route.Table, conns *conn.Manager, reg *registry.Registry, executors map[string]*resilience.Executor, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		table:       table,
		conns:       conns,
		registry:    reg,
		transformer: PassthroughTransformer{},
		invoker:     grpcInvoke,
		margin:      config.DefaultSafetyMargin,
		logger:      observability.NopLogger(),
		executors:   executors,
	}
	if d.executors == nil {
		d.executors = make(map[string]*resilience.Executor)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle processes one inbound request end to end and always returns a
// response; failures are mapped to their HTTP statuses internally.
func (d *Dispatcher) Handle(ctx context.Context, req *Request) *Response {
	m, err := d.table.Lookup(req.Method, req.Path)
	if err != nil {
		// No route, no backend work: the connection manager and
		// breakers are never touched.
		return d.errorResponse(err, nil, nil)
	}
	rt := m.Route
	req.PathParams = m.PathParams

	payload, err := d.transformer.TransformRequest(rt, req)
	if err != nil {
		var cre *util.ClientRequestError
		if !errors.As(err, &cre) {
			err = util.NewClientRequestError("request transform failed", err)
		}
		return d.routed(rt, d.errorResponse(err, nil, nil))
	}

	ctx, cancel, err := d.applyBudget(ctx)
	if err != nil {
		return d.routed(rt, d.errorResponse(err, nil, nil))
	}
	defer cancel()

	callCtx := metadata.NewOutgoingContext(ctx, d.outboundMetadata(ctx, req))
	exec := d.executor(rt)

	var (
		replyPayload []byte
		rawErr       error
	)
	attempts, err := exec.Execute(callCtx, rt.Policy, func(attemptCtx context.Context) error {
		cc, endpoint, aerr := d.conns.Acquire(attemptCtx, rt.Backend)
		if aerr != nil {
			rawErr = aerr
			return aerr
		}

		reply, ierr := d.invoker(attemptCtx, cc, rt.RPC, payload)
		if ierr != nil {
			rawErr = ierr
			kind := resilience.Classify(ierr)
			if errors.Is(kind, util.ErrBackendUnavailable) {
				d.conns.Invalidate(rt.Backend, cc)
			}
			if resilience.CountsAsBreakerFailure(kind) {
				d.registry.MarkResult(rt.Backend, endpoint, false)
			}
			return ierr
		}

		d.registry.MarkResult(rt.Backend, endpoint, true)
		replyPayload = reply
		return nil
	})

	if d.metrics != nil {
		d.metrics.RecordDispatch(rt.Backend, rt.Name, attempts)
	}

	if err != nil {
		berr := util.NewBackendError(rt.Backend, rt.Name, err, attempts, rawErr)
		kind := errorKind(berr)
		if d.metrics != nil {
			d.metrics.RecordBackendError(rt.Backend, rt.Name, kind)
		}
		d.logger.WithContext(ctx).Warn("dispatch failed",
			observability.String("route", rt.Name),
			observability.String("backend", rt.Backend),
			observability.String("kind", kind),
			observability.Int("attempts", attempts),
			observability.Error(berr),
		)
		return d.routed(rt, d.errorResponse(berr, rawErr, exec.Breaker()))
	}

	body, contentType, err := d.transformer.TransformResponse(rt, replyPayload)
	if err != nil {
		d.logger.WithContext(ctx).Error("response transform failed",
			observability.String("route", rt.Name),
			observability.Error(err),
		)
		return d.routed(rt, d.errorResponse(err, nil, nil))
	}

	header := make(http.Header, 1)
	header.Set("Content-Type", contentType)
	return &Response{Status: http.StatusOK, Header: header, Body: body, Route: rt.Name}
}

// routed tags a response with the matched route's name.
func (d *Dispatcher) routed(rt *route.Route, resp *Response) *Response {
	resp.Route = rt.Name
	return resp
}

// applyBudget derives the dispatch context from the inbound request's
// remaining deadline minus the safety margin, so the gateway can still
// write a response after a backend deadline expires. An already
// exhausted budget fails without any backend work.
func (d *Dispatcher) applyBudget(ctx context.Context) (context.Context, context.CancelFunc, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return ctx, func() {}, nil
	}

	remaining := time.Until(deadline) - d.margin
	if remaining <= 0 {
		return nil, nil, fmt.Errorf("inbound deadline budget exhausted: %w", util.ErrBackendTimeout)
	}

	budgeted, cancel := context.WithTimeout(ctx, remaining)
	return budgeted, cancel, nil
}

// outboundMetadata builds the metadata forwarded to the backend:
// request correlation IDs, path parameters, and the inbound
// authorization header.
func (d *Dispatcher) outboundMetadata(ctx context.Context, req *Request) metadata.MD {
	md := metadata.MD{}
	if id := observability.RequestIDFromContext(ctx); id != "" {
		md.Set("x-request-id", id)
	}
	if id := observability.TraceIDFromContext(ctx); id != "" {
		md.Set("x-trace-id", id)
	}
	if auth := req.Header.Get("Authorization"); auth != "" {
		md.Set("authorization", auth)
	}
	for name, value := range req.PathParams {
		md.Set("x-path-"+name, value)
	}
	return md
}

// executor returns the backend's executor, creating one from the
// route's policy for backends introduced after startup.
func (d *Dispatcher) executor(rt *route.Route) *resilience.Executor {
	d.mu.Lock()
	defer d.mu.Unlock()

	if exec, ok := d.executors[rt.Backend]; ok {
		return exec
	}
	breaker := resilience.NewBreaker(rt.Backend,
		rt.Policy.CircuitFailureThreshold,
		rt.Policy.CircuitOpenDuration.Duration(),
		resilience.WithBreakerLogger(d.logger),
	)
	exec := resilience.NewExecutor(breaker, d.logger)
	d.executors[rt.Backend] = exec
	return exec
}

// errorBody is the JSON error envelope written to clients.
type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// errorResponse maps a terminal failure to the client-facing response.
func (d *Dispatcher) errorResponse(kind, raw error, breaker *resilience.Breaker) *Response {
	code := httpStatus(kind, raw)

	header := make(http.Header, 2)
	header.Set("Content-Type", "application/json")

	if errors.Is(kind, util.ErrCircuitOpen) && breaker != nil {
		if after := breaker.RetryAfter(); after > 0 {
			header.Set("Retry-After", strconv.Itoa(int(math.Ceil(after.Seconds()))))
		}
	}

	msg := clientMessage(kind, raw)
	body, _ := json.Marshal(errorBody{Error: msg, Kind: errorKind(kind)})
	return &Response{Status: code, Header: header, Body: body}
}

// clientMessage picks the message exposed to the client. Backend
// rejection messages pass through; infrastructure failures are
// summarized without internal detail.
func clientMessage(kind, raw error) string {
	if errors.Is(kind, util.ErrBackendRejected) && raw != nil {
		if st, ok := status.FromError(raw); ok {
			return st.Message()
		}
	}
	var cre *util.ClientRequestError
	if errors.As(kind, &cre) {
		return cre.Error()
	}
	var rnf *util.RouteNotFoundError
	if errors.As(kind, &rnf) {
		return rnf.Error()
	}
	switch {
	case errors.Is(kind, util.ErrCircuitOpen):
		return "backend temporarily unavailable"
	case errors.Is(kind, util.ErrBackendUnavailable):
		return "backend unavailable"
	case errors.Is(kind, util.ErrBackendTimeout), errors.Is(kind, context.DeadlineExceeded):
		return "backend timed out"
	case errors.Is(kind, context.Canceled):
		return "request cancelled"
	default:
		return "internal error"
	}
}
