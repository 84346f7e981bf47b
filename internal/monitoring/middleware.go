package monitoring

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/forem/forem-sub087/internal/telemetry"
)

const correlationHeader = "X-Correlation-ID"

// RequestLogging tags each request with a correlation id and logs its outcome. Probe paths
// listed in quiet are only logged when they fail.
func RequestLogging(quiet ...string) gin.HandlerFunc {
	skip := make(map[string]struct{}, len(quiet))
	for _, p := range quiet {
		skip[p] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()

		correlationID := c.GetHeader(correlationHeader)
		if correlationID == "" {
			correlationID = telemetry.NewCorrelationID()
		}
		c.Header(correlationHeader, correlationID)
		ctx := telemetry.WithCorrelationID(c.Request.Context(), correlationID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		if _, ok := skip[c.Request.URL.Path]; ok && status < 500 {
			return
		}

		entry := telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      status,
			"duration_ms": time.Since(start).Milliseconds(),
			"remote_ip":   c.ClientIP(),
		})
		switch {
		case status >= 500:
			entry.Error("HTTP request completed with server error")
		case status >= 400:
			entry.Warn("HTTP request completed with client error")
		default:
			entry.Info("HTTP request completed")
		}
	}
}
