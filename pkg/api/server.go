// Package api exposes the gateway's REST and WebSocket surface.
package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codeready-toolchain/agentgw/pkg/audit"
	"github.com/codeready-toolchain/agentgw/pkg/caam"
	"github.com/codeready-toolchain/agentgw/pkg/config"
	"github.com/codeready-toolchain/agentgw/pkg/database"
	"github.com/codeready-toolchain/agentgw/pkg/dcg"
	"github.com/codeready-toolchain/agentgw/pkg/gitsync"
	"github.com/codeready-toolchain/agentgw/pkg/hub"
	"github.com/codeready-toolchain/agentgw/pkg/metrics"
)

// Server wires every gateway service behind one HTTP listener.
type Server struct {
	cfg         *config.Config
	dbClient    *database.Client
	hub         *hub.Hub
	connManager *hub.ConnectionManager
	policy      *hub.Policy
	guard       *dcg.Service
	rotator     *caam.Service
	scheduler   *gitsync.Scheduler
	auditSink   *audit.Sink
	metrics     *metrics.Metrics

	e    *echo.Echo
	http *http.Server
}

// NewServer builds the router with all middleware and routes attached.
func NewServer(
	cfg *config.Config,
	dbClient *database.Client,
	h *hub.Hub,
	connManager *hub.ConnectionManager,
	policy *hub.Policy,
	guard *dcg.Service,
	rotator *caam.Service,
	scheduler *gitsync.Scheduler,
	auditSink *audit.Sink,
	m *metrics.Metrics,
) *Server {
	s := &Server{
		cfg:         cfg,
		dbClient:    dbClient,
		hub:         h,
		connManager: connManager,
		policy:      policy,
		guard:       guard,
		rotator:     rotator,
		scheduler:   scheduler,
		auditSink:   auditSink,
		metrics:     m,
	}

	e := echo.New()
	e.Use(securityHeaders())
	e.Use(s.correlationMiddleware())
	if m != nil {
		e.Use(s.metricsMiddleware())
	}

	// Unauthenticated probes.
	e.GET("/healthz", s.healthHandler)
	if m != nil {
		promHandler := promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})
		e.GET("/metrics", func(c *echo.Context) error {
			promHandler.ServeHTTP(c.Response(), c.Request())
			return nil
		})
	}

	auth := s.authMiddleware()
	e.GET("/ws", s.wsHandler, auth)

	api := e.Group("/api/v1", auth)
	s.registerDCGRoutes(api)
	s.registerCAAMRoutes(api)
	s.registerGitSyncRoutes(api)
	s.registerAuditRoutes(api)

	s.e = e
	return s
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo { return s.e }

// Start begins serving on addr and blocks until shutdown.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) registerDCGRoutes(g *echo.Group) {
	g.GET("/dcg/config", s.getDCGConfigHandler)
	g.PATCH("/dcg/config", s.patchDCGConfigHandler)
	g.GET("/dcg/packs", s.listPacksHandler)
	g.POST("/dcg/packs/:name/enable", s.enablePackHandler)
	g.POST("/dcg/packs/:name/disable", s.disablePackHandler)
	g.POST("/dcg/evaluate", s.evaluateHandler)
	g.POST("/dcg/events", s.ingestEventHandler)
	g.GET("/dcg/events", s.listEventsHandler)
	g.GET("/dcg/events/recent", s.recentEventsHandler)
	g.POST("/dcg/events/:id/false-positive", s.falsePositiveHandler)
	g.GET("/dcg/stats", s.dcgStatsHandler)
	g.GET("/dcg/allowlist", s.listAllowlistHandler)
	g.POST("/dcg/allowlist", s.addAllowlistHandler)
	g.DELETE("/dcg/allowlist/:ruleId", s.removeAllowlistHandler)
	g.GET("/dcg/exceptions", s.listExceptionsHandler)
	g.POST("/dcg/exceptions", s.createExceptionHandler)
	g.POST("/dcg/exceptions/:code/approve", s.approveExceptionHandler)
	g.POST("/dcg/exceptions/:code/deny", s.denyExceptionHandler)
}

func (s *Server) registerCAAMRoutes(g *echo.Group) {
	g.POST("/caam/profiles", s.createProfileHandler)
	g.GET("/caam/profiles", s.listProfilesHandler)
	g.GET("/caam/profiles/:id", s.getProfileHandler)
	g.PATCH("/caam/profiles/:id", s.patchProfileHandler)
	g.DELETE("/caam/profiles/:id", s.deleteProfileHandler)
	g.POST("/caam/profiles/:id/activate", s.activateProfileHandler)
	g.POST("/caam/profiles/:id/verify", s.verifyProfileHandler)
	g.GET("/caam/pools/:provider", s.getPoolHandler)
	g.PATCH("/caam/pools/:provider/strategy", s.setStrategyHandler)
	g.POST("/caam/pools/:provider/rotate", s.rotateHandler)
	g.POST("/caam/pools/:provider/rate-limit", s.rateLimitHandler)
	g.GET("/caam/byoa-status", s.byoaStatusHandler)
}

func (s *Server) registerGitSyncRoutes(g *echo.Group) {
	g.POST("/git-sync/ops", s.enqueueOpHandler)
	g.GET("/git-sync/ops", s.listOpsHandler)
	g.GET("/git-sync/ops/:id", s.getOpHandler)
	g.POST("/git-sync/ops/:id/cancel", s.cancelOpHandler)
	g.POST("/git-sync/ops/:id/complete", s.completeOpHandler)
	g.POST("/git-sync/ops/:id/fail", s.failOpHandler)
	g.GET("/git-sync/history", s.syncHistoryHandler)
	g.GET("/git-sync/stats", s.syncStatsHandler)
}

func (s *Server) registerAuditRoutes(g *echo.Group) {
	g.GET("/audit", s.listAuditHandler)
}
