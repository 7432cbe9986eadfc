package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"marking-backend/internal/shared/metrics"
	"marking-backend/internal/shared/telemetry"
)

// Context keys handlers set so the request log can name the entities touched.
const (
	DocumentIDKey = "documentId"
	AnalysisIDKey = "analysisId"
)

// Logging emits a structured log and request metrics per request. The route
// is the pattern, not the raw path, so document ids never become labels.
func Logging() gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.EqualFold(c.Request.Method, "OPTIONS") {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		latency := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.ObserveHTTPRequest(route, c.Request.Method, c.Writer.Status(), latency)
		documentID, _ := c.Get(DocumentIDKey)
		analysisID, _ := c.Get(AnalysisIDKey)

		telemetry.Info("request.complete", map[string]any{
			"request_id":  RequestIDFromContext(c),
			"method":      c.Request.Method,
			"route":       route,
			"status":      c.Writer.Status(),
			"duration_ms": float64(latency.Microseconds()) / 1000.0,
			"document_id": documentID,
			"analysis_id": analysisID,
			"client_ip":   c.ClientIP(),
		})
	}
}
