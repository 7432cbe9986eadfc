package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"marking-backend/internal/shared/metrics"
	"marking-backend/internal/shared/server/respond"
	"marking-backend/internal/shared/telemetry"
)

// Recovery turns a panic into a 500 with the standard error body.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				metrics.IncPanics()
				telemetry.Error("panic", map[string]any{
					"request_id": RequestIDFromContext(c),
					"error":      rec,
					"stack":      string(debug.Stack()),
					"route":      c.FullPath(),
					"method":     c.Request.Method,
				})
				respond.Error(c, http.StatusInternalServerError, "INTERNAL_ERROR", "unexpected server error", nil)
			}
		}()
		c.Next()
	}
}
