// Package middleware provides the Gin middleware shared by every route of the
// project storage API: request ids, Prometheus metrics, rate limiting and
// response security headers.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/project-storage/project-storage/internal/telemetry"
)

// unmatchedRoute is the path label for requests no route matched.
const unmatchedRoute = "<no-route>"

// probePaths are not recorded; orchestrators poll them every few seconds.
var probePaths = map[string]bool{
	"/health": true,
	"/ready":  true,
}

// MetricsMiddleware records http_requests_total and
// http_request_duration_seconds for every request. The path label is the
// matched route template (/api/projects/:project/files/:fileId), never the raw
// URL, so file ids do not inflate label cardinality.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if probePaths[path] {
			return
		}
		if path == "" {
			path = unmatchedRoute
		}

		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
