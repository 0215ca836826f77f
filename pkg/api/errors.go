package api

import (
	"errors"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/agentgw/pkg/correlation"
	"github.com/codeready-toolchain/agentgw/pkg/gatewayerr"
)

// statusFor maps the error taxonomy to HTTP statuses.
func statusFor(kind gatewayerr.Kind) int {
	switch kind {
	case gatewayerr.KindValidation, gatewayerr.KindParseError:
		return http.StatusBadRequest
	case gatewayerr.KindNotFound:
		return http.StatusNotFound
	case gatewayerr.KindConflict, gatewayerr.KindCursorExpired:
		return http.StatusConflict
	case gatewayerr.KindUnauthenticated:
		return http.StatusUnauthorized
	case gatewayerr.KindForbidden:
		return http.StatusForbidden
	case gatewayerr.KindRateLimited:
		return http.StatusTooManyRequests
	case gatewayerr.KindTimeout:
		return http.StatusGatewayTimeout
	case gatewayerr.KindRetryableTransient, gatewayerr.KindSystemUnavailable:
		return http.StatusServiceUnavailable
	case gatewayerr.KindCommandFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps a service error onto the error envelope.
func writeError(c *echo.Context, err error) error {
	kind := gatewayerr.KindOf(err)
	message := "internal server error"
	var details map[string]any

	var ge *gatewayerr.Error
	if errors.As(err, &ge) {
		message = ge.Message
		details = ge.Details
	}
	if kind == gatewayerr.KindInternal {
		correlation.Logger(c.Request().Context()).Error("Unexpected service error", "error", err)
	}
	return writeErrorEnvelope(c, statusFor(kind), string(kind), message, details)
}

func badRequest(c *echo.Context, message string) error {
	return writeErrorEnvelope(c, http.StatusBadRequest, string(gatewayerr.KindValidation), message, nil)
}

func notFound(c *echo.Context, message string) error {
	return writeErrorEnvelope(c, http.StatusNotFound, string(gatewayerr.KindNotFound), message, nil)
}

func writeErrorEnvelope(c *echo.Context, status int, code, message string, details map[string]any) error {
	return c.JSON(status, &ErrorEnvelope{
		Type: "error",
		Error: ErrorBody{
			Code:      code,
			Message:   message,
			Details:   details,
			Timestamp: time.Now().UTC(),
		},
		RequestID: correlation.From(c.Request().Context()).RequestID,
	})
}
