package api

import (
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/agentgw/pkg/dcg"
)

// getDCGConfigHandler handles GET /api/v1/dcg/config.
func (s *Server) getDCGConfigHandler(c *echo.Context) error {
	return ok(c, "dcg.config", s.guard.GetConfig())
}

// patchDCGConfigHandler handles PATCH /api/v1/dcg/config.
func (s *Server) patchDCGConfigHandler(c *echo.Context) error {
	var patch dcg.ConfigPatch
	if err := c.Bind(&patch); err != nil {
		return badRequest(c, "invalid config patch")
	}
	cfg, err := s.guard.UpdateConfig(c.Request().Context(), patch, authFrom(c).UserID)
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, "dcg.config", cfg)
}

// listPacksHandler handles GET /api/v1/dcg/packs.
func (s *Server) listPacksHandler(c *echo.Context) error {
	return ok(c, "dcg.packs", s.guard.ListPacks())
}

func (s *Server) enablePackHandler(c *echo.Context) error {
	cfg, err := s.guard.EnablePack(c.Request().Context(), c.Param("name"), authFrom(c).UserID)
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, "dcg.config", cfg)
}

func (s *Server) disablePackHandler(c *echo.Context) error {
	cfg, err := s.guard.DisablePack(c.Request().Context(), c.Param("name"), authFrom(c).UserID)
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, "dcg.config", cfg)
}

type evaluateRequest struct {
	AgentID string `json:"agentId"`
	Command string `json:"command"`
}

// evaluateHandler handles POST /api/v1/dcg/evaluate, the pre-dispatch
// guard consult.
func (s *Server) evaluateHandler(c *echo.Context) error {
	var req evaluateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid evaluate request")
	}
	if req.AgentID == "" || req.Command == "" {
		return badRequest(c, "agentId and command are required")
	}
	decision, err := s.guard.Evaluate(c.Request().Context(), req.AgentID, req.Command)
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, "dcg.decision", decision)
}

// ingestEventHandler handles POST /api/v1/dcg/events (internal producer).
func (s *Server) ingestEventHandler(c *echo.Context) error {
	var req dcg.IngestRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid block event")
	}
	event, err := s.guard.Ingest(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return created(c, "dcg.event", event)
}

// listEventsHandler handles GET /api/v1/dcg/events with cursor pagination.
func (s *Server) listEventsHandler(c *echo.Context) error {
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	page, err := s.guard.ListEvents(c.Request().Context(), c.QueryParam("cursor"), limit)
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, "dcg.events", page)
}

func (s *Server) recentEventsHandler(c *echo.Context) error {
	return ok(c, "dcg.events", s.guard.RecentEvents())
}

// falsePositiveHandler handles POST /api/v1/dcg/events/:id/false-positive.
func (s *Server) falsePositiveHandler(c *echo.Context) error {
	event, err := s.guard.MarkFalsePositive(c.Request().Context(), c.Param("id"), authFrom(c).UserID)
	if err != nil {
		return writeError(c, err)
	}
	if event == nil {
		return notFound(c, "block event not found")
	}
	return ok(c, "dcg.event", event)
}

func (s *Server) dcgStatsHandler(c *echo.Context) error {
	return ok(c, "dcg.stats", s.guard.GetStats(c.Request().Context(), time.Now()))
}

func (s *Server) listAllowlistHandler(c *echo.Context) error {
	entries, err := s.guard.ListAllowlist(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, "dcg.allowlist", entries)
}

type allowlistRequest struct {
	RuleID    string     `json:"ruleId"`
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

func (s *Server) addAllowlistHandler(c *echo.Context) error {
	var req allowlistRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid allowlist entry")
	}
	entry, err := s.guard.AddAllowlistEntry(c.Request().Context(), req.RuleID, authFrom(c).UserID, req.Reason, req.ExpiresAt)
	if err != nil {
		return writeError(c, err)
	}
	return created(c, "dcg.allowlist_entry", entry)
}

func (s *Server) removeAllowlistHandler(c *echo.Context) error {
	if err := s.guard.RemoveAllowlistEntry(c.Request().Context(), c.Param("ruleId"), authFrom(c).UserID); err != nil {
		return writeError(c, err)
	}
	return ok(c, "dcg.allowlist_entry", map[string]string{"ruleId": c.Param("ruleId"), "status": "removed"})
}

func (s *Server) listExceptionsHandler(c *echo.Context) error {
	pending, err := s.guard.ListPendingExceptions(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, "dcg.exceptions", pending)
}

type exceptionRequest struct {
	AgentID string `json:"agentId"`
	Command string `json:"command"`
	RuleID  string `json:"ruleId"`
	Pack    string `json:"pack"`
}

func (s *Server) createExceptionHandler(c *echo.Context) error {
	var req exceptionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid exception request")
	}
	exc, err := s.guard.CreateException(c.Request().Context(), req.AgentID, req.Command, req.RuleID, req.Pack)
	if err != nil {
		return writeError(c, err)
	}
	return created(c, "dcg.exception", exc)
}

func (s *Server) approveExceptionHandler(c *echo.Context) error {
	exc, err := s.guard.ApproveException(c.Request().Context(), c.Param("code"), authFrom(c).UserID)
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, "dcg.exception", exc)
}

func (s *Server) denyExceptionHandler(c *echo.Context) error {
	exc, err := s.guard.DenyException(c.Request().Context(), c.Param("code"), authFrom(c).UserID)
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, "dcg.exception", exc)
}
