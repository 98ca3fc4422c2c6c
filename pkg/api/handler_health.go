package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chalklabs/chalk/pkg/database"
	"github.com/chalklabs/chalk/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// healthzHandler handles GET /healthz.
// Returns a minimal, safe response suitable for unauthenticated access.
// Only this service's own components (database, worker pool) are checked;
// external dependencies are excluded so the gateway's health gate does
// not mark a service down when a third party is.
func (s *Server) healthzHandler(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if s.cfg.DB != nil {
		if _, err := database.Health(reqCtx, s.cfg.DB); err != nil {
			status = healthStatusUnhealthy
			checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		} else {
			checks["database"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	resp := &HealthResponse{
		Service: s.cfg.Service,
		Version: version.GitCommit,
	}

	if s.cfg.Pool != nil {
		poolHealth := s.cfg.Pool.Health()
		resp.WorkerPool = poolHealth
		if poolHealth != nil && !poolHealth.IsHealthy {
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			msg := healthStatusUnhealthy
			if poolHealth.DBError != "" {
				msg = poolHealth.DBError
			}
			checks["worker_pool"] = HealthCheck{Status: healthStatusDegraded, Message: msg}
		} else {
			checks["worker_pool"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	resp.Status = status
	resp.Checks = checks
	c.JSON(httpStatus, resp)
}
