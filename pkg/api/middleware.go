package api

import (
	"net/http"
	"slices"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/agentgw/pkg/correlation"
	"github.com/codeready-toolchain/agentgw/pkg/gatewayerr"
	"github.com/codeready-toolchain/agentgw/pkg/hub"
)

const authContextKey = "gateway.auth"

// securityHeaders hardens every response. The gateway serves JSON and
// WebSocket upgrades only; nothing it returns should be framed, sniffed
// or cached.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Cache-Control", "no-store")
			return next(c)
		}
	}
}

// correlationMiddleware installs the per-request correlation record and
// echoes the ids back to the caller.
func (s *Server) correlationMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			corr := correlation.New(c.Request().Header.Get("X-Correlation-ID"), extractCaller(c))
			ctx := correlation.With(c.Request().Context(), corr)
			c.SetRequest(c.Request().WithContext(ctx))

			h := c.Response().Header()
			h.Set("X-Correlation-ID", corr.CorrelationID)
			h.Set("X-Request-ID", corr.RequestID)
			return next(c)
		}
	}
}

// authMiddleware resolves the caller's API key to an AuthContext.
// Requests without a valid key are refused before any handler runs.
func (s *Server) authMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			key := c.Request().Header.Get("X-API-Key")
			if key == "" {
				// Browsers cannot set custom headers on WebSocket dials.
				key = c.QueryParam("api_key")
			}
			auth, ok := s.resolveKey(key)
			if !ok {
				return writeErrorEnvelope(c, http.StatusUnauthorized, string(gatewayerr.KindUnauthenticated),
					"a valid API key is required", nil)
			}
			c.Set(authContextKey, auth)
			return next(c)
		}
	}
}

func (s *Server) resolveKey(key string) (hub.AuthContext, bool) {
	if key == "" {
		return hub.AuthContext{}, false
	}
	for _, k := range s.cfg.Server.APIKeys {
		if k.Key == key {
			return hub.AuthContext{
				UserID:       k.UserID,
				APIKeyID:     k.ID,
				WorkspaceIDs: k.Workspaces,
				IsAdmin:      k.Admin || slices.Contains(s.cfg.Server.AdminUsers, k.UserID),
			}, true
		}
	}
	return hub.AuthContext{}, false
}

// authFrom returns the AuthContext the auth middleware stored.
func authFrom(c *echo.Context) hub.AuthContext {
	if auth, ok := c.Get(authContextKey).(hub.AuthContext); ok {
		return auth
	}
	return hub.AuthContext{}
}

// extractCaller identifies the principal for logging. Proxy headers
// win over the API key id.
func extractCaller(c *echo.Context) string {
	if user := c.Request().Header.Get("X-Forwarded-User"); user != "" {
		return user
	}
	if email := c.Request().Header.Get("X-Forwarded-Email"); email != "" {
		return email
	}
	return "api-client"
}

func (s *Server) metricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			start := time.Now()
			err := next(c)
			route := c.Request().URL.Path
			status := 0
			if resp, ok := c.Response().(*echo.Response); ok {
				status = resp.Status
			}
			if status == 0 {
				status = http.StatusOK
			}
			s.metrics.RequestDuration.
				WithLabelValues(route, strconv.Itoa(status/100*100)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}
