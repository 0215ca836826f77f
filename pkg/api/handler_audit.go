package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/agentgw/pkg/gatewayerr"
)

// listAuditHandler handles GET /api/v1/audit?action=dcg.block&limit=50.
// The audit trail is admin-only.
func (s *Server) listAuditHandler(c *echo.Context) error {
	if !authFrom(c).IsAdmin {
		return writeErrorEnvelope(c, http.StatusForbidden, string(gatewayerr.KindForbidden),
			"audit access requires an admin principal", nil)
	}
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	records, err := s.auditSink.List(c.Request().Context(), c.QueryParam("action"), limit)
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, "audit.records", records)
}
