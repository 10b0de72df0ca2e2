package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-offline/internal/config"
	"github.com/stemsi/exstem-offline/internal/handler"
	"github.com/stemsi/exstem-offline/internal/middleware"
	"github.com/stemsi/exstem-offline/internal/remote"
	"github.com/stemsi/exstem-offline/internal/response"
)

// testCacheSeconds lets a browser reuse a fetched payload across reloads
// during one exam sitting.
const testCacheSeconds = 300

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Test   *handler.TestHandler
	System *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
// limiter may be nil to disable rate limiting.
func SetupRouter(handlers *Handlers, limiter *middleware.RateLimiter, cfg *config.Config) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID", remote.HeaderIdempotencyKey}
	corsConfig.ExposeHeaders = []string{"X-Request-ID", "Retry-After"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	// Apply brotli middleware globally.
	router.Use(middleware.Brotli())

	router.GET("/health", middleware.NoStore(), handlers.System.Health)

	limit := func(c *gin.Context) { c.Next() }
	if limiter != nil {
		limit = limiter.Middleware()
	}

	// ─── 1. Exam client API (no auth, code-addressed) ──────────────────
	testGroup := router.Group("/api/test")
	testGroup.Use(limit)
	{
		testGroup.POST("/create", middleware.NoStore(), handlers.Test.CreateTest)
		testGroup.GET("/fetch", middleware.PrivateCache(testCacheSeconds), handlers.Test.FetchTest)
		testGroup.POST("/submit", middleware.NoStore(), handlers.Test.SubmitTest)
	}

	// ─── 2. Maintenance (admin bearer token) ───────────────────────────
	adminGroup := router.Group("/api/admin")
	adminGroup.Use(middleware.NoStore(), middleware.RequireAdminToken(cfg.AdminToken))
	{
		adminGroup.POST("/flush", handlers.Test.Flush)
		adminGroup.GET("/tests/:code/submissions", handlers.Test.ListSubmissions)
	}

	return router
}
