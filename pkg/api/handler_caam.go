package api

import (
	"net/http"
	"slices"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/agentgw/pkg/caam"
	"github.com/codeready-toolchain/agentgw/pkg/gatewayerr"
	"github.com/codeready-toolchain/agentgw/pkg/hub"
)

func workspaceAllowed(auth hub.AuthContext, workspaceID string) bool {
	return auth.IsAdmin || slices.Contains(auth.WorkspaceIDs, workspaceID)
}

func forbiddenWorkspace(c *echo.Context, workspaceID string) error {
	return writeErrorEnvelope(c, http.StatusForbidden, string(gatewayerr.KindForbidden),
		"caller is not a member of workspace "+workspaceID, nil)
}

type createProfileRequest struct {
	WorkspaceID string            `json:"workspaceId"`
	Provider    caam.Provider     `json:"provider"`
	Name        string            `json:"name"`
	AuthMode    caam.AuthMode     `json:"authMode"`
	Labels      map[string]string `json:"labels"`
}

// createProfileHandler handles POST /api/v1/caam/profiles.
func (s *Server) createProfileHandler(c *echo.Context) error {
	var req createProfileRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid profile request")
	}
	if !workspaceAllowed(authFrom(c), req.WorkspaceID) {
		return forbiddenWorkspace(c, req.WorkspaceID)
	}
	profile, err := s.rotator.CreateProfile(c.Request().Context(), req.WorkspaceID, req.Provider, req.Name, req.AuthMode, req.Labels)
	if err != nil {
		return writeError(c, err)
	}
	return created(c, "caam.profile", profile)
}

// listProfilesHandler handles GET /api/v1/caam/profiles?workspace=ws1.
func (s *Server) listProfilesHandler(c *echo.Context) error {
	workspaceID := c.QueryParam("workspace")
	if workspaceID == "" {
		return badRequest(c, "workspace query parameter is required")
	}
	if !workspaceAllowed(authFrom(c), workspaceID) {
		return forbiddenWorkspace(c, workspaceID)
	}
	profiles, err := s.rotator.ListProfiles(c.Request().Context(), workspaceID)
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, "caam.profiles", profiles)
}

func (s *Server) getProfileHandler(c *echo.Context) error {
	profile, err := s.rotator.GetProfile(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	if !workspaceAllowed(authFrom(c), profile.WorkspaceID) {
		return forbiddenWorkspace(c, profile.WorkspaceID)
	}
	return ok(c, "caam.profile", profile)
}

func (s *Server) patchProfileHandler(c *echo.Context) error {
	var patch caam.ProfilePatch
	if err := c.Bind(&patch); err != nil {
		return badRequest(c, "invalid profile patch")
	}
	profile, err := s.rotator.UpdateProfile(c.Request().Context(), c.Param("id"), patch)
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, "caam.profile", profile)
}

func (s *Server) deleteProfileHandler(c *echo.Context) error {
	if err := s.rotator.DeleteProfile(c.Request().Context(), c.Param("id")); err != nil {
		return writeError(c, err)
	}
	return ok(c, "caam.profile", map[string]string{"id": c.Param("id"), "status": "deleted"})
}

func (s *Server) activateProfileHandler(c *echo.Context) error {
	profile, err := s.rotator.ActivateProfile(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, "caam.profile", profile)
}

func (s *Server) verifyProfileHandler(c *echo.Context) error {
	profile, err := s.rotator.MarkVerified(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, "caam.profile", profile)
}

// getPoolHandler handles GET /api/v1/caam/pools/:provider?workspace=ws1.
func (s *Server) getPoolHandler(c *echo.Context) error {
	workspaceID := c.QueryParam("workspace")
	if workspaceID == "" {
		return badRequest(c, "workspace query parameter is required")
	}
	if !workspaceAllowed(authFrom(c), workspaceID) {
		return forbiddenWorkspace(c, workspaceID)
	}
	pool, err := s.rotator.GetPool(c.Request().Context(), workspaceID, caam.Provider(c.Param("provider")))
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, "caam.pool", pool)
}

type strategyRequest struct {
	WorkspaceID string                `json:"workspaceId"`
	Strategy    caam.RotationStrategy `json:"strategy"`
}

func (s *Server) setStrategyHandler(c *echo.Context) error {
	var req strategyRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid strategy request")
	}
	if !workspaceAllowed(authFrom(c), req.WorkspaceID) {
		return forbiddenWorkspace(c, req.WorkspaceID)
	}
	pool, err := s.rotator.SetRotationStrategy(c.Request().Context(), req.WorkspaceID, caam.Provider(c.Param("provider")), req.Strategy)
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, "caam.pool", pool)
}

type rotateRequest struct {
	WorkspaceID string `json:"workspaceId"`
	Reason      string `json:"reason"`
}

// rotateHandler handles POST /api/v1/caam/pools/:provider/rotate.
func (s *Server) rotateHandler(c *echo.Context) error {
	var req rotateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid rotate request")
	}
	if !workspaceAllowed(authFrom(c), req.WorkspaceID) {
		return forbiddenWorkspace(c, req.WorkspaceID)
	}
	result, err := s.rotator.Rotate(c.Request().Context(), req.WorkspaceID, caam.Provider(c.Param("provider")), req.Reason)
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, "caam.rotation", result)
}

type rateLimitRequest struct {
	WorkspaceID string `json:"workspaceId"`
	ErrorText   string `json:"errorText"`
}

// rateLimitHandler handles POST /api/v1/caam/pools/:provider/rate-limit,
// the agent-reported rate-limit hook that triggers rotation.
func (s *Server) rateLimitHandler(c *echo.Context) error {
	var req rateLimitRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid rate-limit report")
	}
	if !workspaceAllowed(authFrom(c), req.WorkspaceID) {
		return forbiddenWorkspace(c, req.WorkspaceID)
	}
	result, err := s.rotator.HandleRateLimit(c.Request().Context(), req.WorkspaceID, caam.Provider(c.Param("provider")), req.ErrorText)
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, "caam.rotation", result)
}

func (s *Server) byoaStatusHandler(c *echo.Context) error {
	workspaceID := c.QueryParam("workspace")
	if workspaceID == "" {
		return badRequest(c, "workspace query parameter is required")
	}
	if !workspaceAllowed(authFrom(c), workspaceID) {
		return forbiddenWorkspace(c, workspaceID)
	}
	status, err := s.rotator.GetByoaStatus(c.Request().Context(), workspaceID)
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, "caam.byoa_status", status)
}
