package handler

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const healthCheckTimeout = 2 * time.Second

// Check probes one dependency.
type Check func(ctx context.Context) error

// SystemHandler reports relay liveness. Exam clients poll it to decide
// whether queued submissions can be flushed.
type SystemHandler struct {
	database  Check
	cache     Check
	startTime time.Time
	log       zerolog.Logger
}

// NewSystemHandler creates a SystemHandler. cache may be nil when the relay
// runs without Redis.
func NewSystemHandler(database, cache Check, log zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		database:  database,
		cache:     cache,
		startTime: time.Now(),
		log:       log.With().Str("component", "system_handler").Logger(),
	}
}

// Health godoc
// GET /health
// 200 while the database answers; a failing cache only degrades.
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	checks := gin.H{}
	status, code := "ok", http.StatusOK

	if err := run(ctx, h.database); err != nil {
		h.log.Warn().Err(err).Msg("Database health check failed")
		checks["database"] = "unavailable"
		status, code = "down", http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	switch {
	case h.cache == nil:
		checks["cache"] = "disabled"
	case run(ctx, h.cache) != nil:
		checks["cache"] = "unavailable"
		if code == http.StatusOK {
			status = "degraded"
		}
	default:
		checks["cache"] = "ok"
	}

	c.JSON(code, gin.H{
		"success":    code == http.StatusOK,
		"status":     status,
		"checks":     checks,
		"uptime":     time.Since(h.startTime).Round(time.Second).String(),
		"goroutines": runtime.NumGoroutine(),
		"go_version": runtime.Version(),
	})
}

func run(ctx context.Context, check Check) error {
	if check == nil {
		return nil
	}
	return check(ctx)
}
