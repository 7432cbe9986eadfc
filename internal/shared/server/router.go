package server

import (
	"github.com/gin-gonic/gin"

	"marking-backend/internal/shared/metrics"
	"marking-backend/internal/shared/server/middleware"
)

// Options configures the router.
type Options struct {
	CORSAllowOrigins []string
	RateLimits       map[string]middleware.RateLimitRule
	Log              LogStatus
}

// RouteRegistrar attaches routes to the /api/v1 group.
type RouteRegistrar interface {
	RegisterRoutes(rg *gin.RouterGroup)
}

// NewRouter constructs the Gin engine with middleware, /metrics, /api/v1/health
// and the given route sets.
func NewRouter(opts Options, registrars ...RouteRegistrar) *gin.Engine {
	if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	r.Use(
		middleware.RequestID(),
		middleware.Logging(),
		middleware.Recovery(),
		middleware.CORS(opts.CORSAllowOrigins),
	)
	if len(opts.RateLimits) > 0 {
		r.Use(middleware.RateLimit(middleware.RateLimitConfig{
			Rules:    opts.RateLimits,
			GroupFor: middleware.GroupForRoute,
		}))
	}

	r.GET("/metrics", metrics.Handler())

	api := r.Group("/api/v1")
	registerHealthRoutes(api, opts.Log)
	for _, reg := range registrars {
		reg.RegisterRoutes(api)
	}
	return r
}

// DefaultRateLimits applies to analysis submissions and polling.
func DefaultRateLimits() map[string]middleware.RateLimitRule {
	return map[string]middleware.RateLimitRule{
		middleware.AnalysisGroup: {Rate: 1, Burst: 10},
		middleware.PollingGroup:  {Rate: 10, Burst: 50},
	}
}

// Addr normalizes the listen address.
func Addr(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] == ':' {
		return port
	}
	return ":" + port
}
