package api

import (
	"encoding/json"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/agentgw/pkg/gitsync"
)

// enqueueOpHandler handles POST /api/v1/git-sync/ops.
func (s *Server) enqueueOpHandler(c *echo.Context) error {
	var req gitsync.Request
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid sync request")
	}
	op, err := s.scheduler.Queue(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return created(c, "gitsync.operation", op)
}

// listOpsHandler handles GET /api/v1/git-sync/ops?repository=r1&state=queued.
// Without a state filter it returns queued, running and recent together.
func (s *Server) listOpsHandler(c *echo.Context) error {
	repositoryID := c.QueryParam("repository")
	if repositoryID == "" {
		return badRequest(c, "repository query parameter is required")
	}
	switch c.QueryParam("state") {
	case "queued":
		return ok(c, "gitsync.operations", s.scheduler.GetQueued(repositoryID))
	case "running":
		return ok(c, "gitsync.operations", s.scheduler.GetRunning(repositoryID))
	case "recent":
		return ok(c, "gitsync.operations", s.scheduler.GetRecent(repositoryID))
	case "":
		ops := s.scheduler.GetQueued(repositoryID)
		ops = append(ops, s.scheduler.GetRunning(repositoryID)...)
		ops = append(ops, s.scheduler.GetRecent(repositoryID)...)
		return ok(c, "gitsync.operations", ops)
	default:
		return badRequest(c, "state must be queued, running or recent")
	}
}

func (s *Server) getOpHandler(c *echo.Context) error {
	op, err := s.scheduler.GetOperation(c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, "gitsync.operation", op)
}

// cancelOpHandler handles POST /api/v1/git-sync/ops/:id/cancel. Only
// queued operations can be cancelled; a running one reports cancelled=false.
func (s *Server) cancelOpHandler(c *echo.Context) error {
	agentID := c.QueryParam("agent")
	if agentID == "" {
		agentID = authFrom(c).UserID
	}
	cancelled, err := s.scheduler.Cancel(c.Request().Context(), c.Param("id"), agentID)
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, "gitsync.cancel", map[string]any{"id": c.Param("id"), "cancelled": cancelled})
}

type completeOpRequest struct {
	Result json.RawMessage `json:"result"`
}

// completeOpHandler handles POST /api/v1/git-sync/ops/:id/complete,
// the worker callback for a finished operation.
func (s *Server) completeOpHandler(c *echo.Context) error {
	var req completeOpRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid completion report")
	}
	op, err := s.scheduler.Complete(c.Request().Context(), c.Param("id"), req.Result)
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, "gitsync.operation", op)
}

type failOpRequest struct {
	Error string `json:"error"`
}

func (s *Server) failOpHandler(c *echo.Context) error {
	var req failOpRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid failure report")
	}
	decision, err := s.scheduler.Fail(c.Request().Context(), c.Param("id"), req.Error)
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, "gitsync.fail_decision", decision)
}

// syncHistoryHandler handles GET /api/v1/git-sync/history with optional
// status, operation, branch and limit filters.
func (s *Server) syncHistoryHandler(c *echo.Context) error {
	repositoryID := c.QueryParam("repository")
	if repositoryID == "" {
		return badRequest(c, "repository query parameter is required")
	}
	filter := gitsync.HistoryFilter{
		Status:    gitsync.OpStatus(c.QueryParam("status")),
		Operation: gitsync.OpType(c.QueryParam("operation")),
		Branch:    c.QueryParam("branch"),
	}
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	ops, err := s.scheduler.GetHistory(c.Request().Context(), repositoryID, filter)
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, "gitsync.history", ops)
}

// syncStatsHandler handles GET /api/v1/git-sync/stats. With a repository
// query it returns that repository's queue stats, otherwise the global
// aggregate.
func (s *Server) syncStatsHandler(c *echo.Context) error {
	if repositoryID := c.QueryParam("repository"); repositoryID != "" {
		return ok(c, "gitsync.stats", s.scheduler.GetQueueStats(repositoryID))
	}
	return ok(c, "gitsync.stats", s.scheduler.GetGlobalStats())
}
