package middleware

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/mealmind/gateway/internal/observability"
)

// TracingConfig holds configuration for the tracing middleware.
type TracingConfig struct {
	TracerProvider trace.TracerProvider
	Propagators    propagation.TextMapPropagator
	ServiceName    string
	SkipPaths      []string
}

// Tracing returns a middleware that opens a server span per request
// and places the trace ID on the request context so it propagates to
// backend calls.
func Tracing(serviceName string) gin.HandlerFunc {
	return TracingWithConfig(TracingConfig{ServiceName: serviceName})
}

// TracingWithConfig returns a tracing middleware with custom configuration.
func TracingWithConfig(config TracingConfig) gin.HandlerFunc {
	if config.TracerProvider == nil {
		config.TracerProvider = otel.GetTracerProvider()
	}
	if config.Propagators == nil {
		config.Propagators = otel.GetTextMapPropagator()
	}
	if config.ServiceName == "" {
		config.ServiceName = "gateway"
	}

	tracer := config.TracerProvider.Tracer(config.ServiceName)

	skipPaths := make(map[string]bool)
	for _, path := range config.SkipPaths {
		skipPaths[path] = true
	}

	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if skipPaths[path] {
			c.Next()
			return
		}

		ctx := config.Propagators.Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))

		ctx, span := tracer.Start(ctx, fmt.Sprintf("%s %s", c.Request.Method, path),
			trace.WithSpanKind(trace.SpanKindServer),
		)
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.target", path),
			attribute.String("http.host", c.Request.Host),
			attribute.String("net.peer.ip", c.ClientIP()),
		)
		if requestID := GetRequestID(c); requestID != "" {
			span.SetAttributes(attribute.String("request.id", requestID))
		}

		if sc := span.SpanContext(); sc.HasTraceID() {
			ctx = observability.ContextWithTraceID(ctx, sc.TraceID().String())
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= 500 {
			span.SetAttributes(attribute.Bool("error", true))
		}
	}
}
