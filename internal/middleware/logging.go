package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mealmind/gateway/internal/observability"
)

// LoggingConfig holds configuration for the logging middleware.
type LoggingConfig struct {
	Logger    observability.Logger
	SkipPaths []string
}

// Logging returns a middleware that logs each completed request at a
// level matching its status code.
func Logging(logger observability.Logger) gin.HandlerFunc {
	return LoggingWithConfig(LoggingConfig{Logger: logger})
}

// LoggingWithConfig returns a logging middleware with custom configuration.
func LoggingWithConfig(config LoggingConfig) gin.HandlerFunc {
	if config.Logger == nil {
		config.Logger = observability.NopLogger()
	}

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

		start := time.Now()
		c.Next()
		latency := time.Since(start)
		status := c.Writer.Status()

		fields := []observability.Field{
			observability.String("request_id", GetRequestID(c)),
			observability.String("method", c.Request.Method),
			observability.String("path", path),
			observability.String("query", c.Request.URL.RawQuery),
			observability.Int("status", status),
			observability.Duration("latency", latency),
			observability.String("client_ip", c.ClientIP()),
			observability.Int("body_size", c.Writer.Size()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, observability.String("errors", c.Errors.String()))
		}

		switch {
		case status >= 500:
			config.Logger.Error("request completed", fields...)
		case status >= 400:
			config.Logger.Warn("request completed", fields...)
		default:
			config.Logger.Info("request completed", fields...)
		}
	}
}
