package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/agentgw/pkg/correlation"
)

// Envelope wraps every successful response.
type Envelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	RequestID string `json:"requestId"`
}

// ErrorBody is the error half of the response contract.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ErrorEnvelope wraps every failed response.
type ErrorEnvelope struct {
	Type      string    `json:"type"`
	Error     ErrorBody `json:"error"`
	RequestID string    `json:"requestId"`
}

// respond writes the success envelope.
func respond(c *echo.Context, status int, payloadType string, data any) error {
	return c.JSON(status, &Envelope{
		Type:      payloadType,
		Data:      data,
		RequestID: correlation.From(c.Request().Context()).RequestID,
	})
}

func ok(c *echo.Context, payloadType string, data any) error {
	return respond(c, http.StatusOK, payloadType, data)
}

func created(c *echo.Context, payloadType string, data any) error {
	return respond(c, http.StatusCreated, payloadType, data)
}
