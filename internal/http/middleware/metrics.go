package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yungbote/devpipe/internal/observability"
)

// Metrics instruments HTTP request counts/latency when metrics are enabled,
// recording into the gateway's GatewayRequests/GatewayLatency series
// (devpipe_gateway_requests_total{route,status},
// devpipe_gateway_latency_seconds{route}).
func Metrics(m *observability.Metrics) gin.HandlerFunc {
	if m == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		start := time.Now()
		m.RequestsInFlight.Inc()
		defer m.RequestsInFlight.Dec()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := strconv.Itoa(c.Writer.Status())
		m.GatewayRequests.WithLabelValues(route, status).Inc()
		m.GatewayLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}
