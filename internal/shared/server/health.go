package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"marking-backend/internal/shared/server/respond"
)

// LogStatus is the part of the event log the health check reports on.
type LogStatus interface {
	Head() uint64
	ReadOnly() bool
}

// registerHealthRoutes attaches /health. A read-only log reports degraded
// with 503 so load balancers stop sending writes.
func registerHealthRoutes(rg *gin.RouterGroup, log LogStatus) {
	rg.GET("/health", func(c *gin.Context) {
		if log == nil {
			respond.OK(c, gin.H{"ok": true})
			return
		}
		body := gin.H{
			"ok":       !log.ReadOnly(),
			"head":     log.Head(),
			"readOnly": log.ReadOnly(),
		}
		if log.ReadOnly() {
			body["status"] = "degraded"
			respond.JSON(c, http.StatusServiceUnavailable, body)
			return
		}
		body["status"] = "ok"
		respond.OK(c, body)
	})
}
