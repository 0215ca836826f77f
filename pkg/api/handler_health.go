package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/agentgw/pkg/database"
	"github.com/codeready-toolchain/agentgw/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// HealthCheck is one component's health result.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the GET /healthz body.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// healthHandler handles GET /healthz.
// Returns a minimal, safe response suitable for unauthenticated access.
// Only the gateway's own components (database, hub, scheduler) are checked.
// External dependencies are excluded so an orchestrator never restarts the
// gateway because a downstream service is unhealthy.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	_, err := database.Health(reqCtx, s.dbClient.DB())
	if err != nil {
		status = healthStatusUnhealthy
		checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["database"] = HealthCheck{Status: healthStatusHealthy}
	}

	if s.hub != nil {
		channels, subscribers := s.hub.Stats()
		checks["hub"] = HealthCheck{
			Status:  healthStatusHealthy,
			Message: fmt.Sprintf("%d channels, %d subscribers", channels, subscribers),
		}
	}

	if s.scheduler != nil {
		stats := s.scheduler.GetGlobalStats()
		check := HealthCheck{Status: healthStatusHealthy}
		if stats.Queued > 1000 {
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			check = HealthCheck{Status: healthStatusDegraded, Message: "sync queue backlog"}
		}
		checks["git_sync"] = check
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Version: version.GitCommit,
		Checks:  checks,
	})
}
