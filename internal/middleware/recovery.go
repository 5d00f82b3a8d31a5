package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"github.com/mealmind/gateway/internal/observability"
)

// Recovery returns a middleware that recovers from handler panics and
// responds with a generic 500.
func Recovery(logger observability.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = observability.NopLogger()
	}

	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered",
					observability.String("request_id", GetRequestID(c)),
					observability.String("method", c.Request.Method),
					observability.String("path", c.Request.URL.Path),
					observability.Any("error", err),
					observability.String("stack", string(debug.Stack())),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "internal server error",
				})
			}
		}()

		c.Next()
	}
}
