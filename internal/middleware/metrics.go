package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mealmind/gateway/internal/observability"
)

// RouteKey is the gin context key under which the dispatch handler
// stores the matched route's name. Using the route name instead of the
// raw path keeps metric label cardinality bounded.
const RouteKey = "route"

// Metrics returns a middleware that records per-request metrics.
func Metrics(metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.GetString(RouteKey)
		if route == "" {
			route = "unmatched"
		}

		metrics.RecordRequest(
			c.Request.Method,
			route,
			strconv.Itoa(c.Writer.Status()),
			time.Since(start).Seconds(),
		)
	}
}
