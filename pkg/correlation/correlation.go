// Package correlation threads a per-request correlation record through
// context.Context. Every public entry point accepts (or synthesises) one;
// background tasks spawned during a request carry the parent's record.
package correlation

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type contextKey struct{}

// Correlation identifies one external request across async boundaries.
type Correlation struct {
	CorrelationID string
	RequestID     string
	StartTime     time.Time
	Caller        string
	Logger        *slog.Logger
}

// New builds a correlation record. An empty correlationID is synthesised.
// The logger is pre-scoped with the ids so downstream log lines correlate.
func New(correlationID, caller string) *Correlation {
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	requestID := uuid.New().String()
	return &Correlation{
		CorrelationID: correlationID,
		RequestID:     requestID,
		StartTime:     time.Now(),
		Caller:        caller,
		Logger: slog.Default().With(
			"correlation_id", correlationID,
			"request_id", requestID),
	}
}

// With returns a context carrying the correlation record.
func With(ctx context.Context, c *Correlation) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// From extracts the ambient correlation record. When none exists (direct
// service calls in tests), a per-call ephemeral record is synthesised so
// callers never nil-check.
func From(ctx context.Context) *Correlation {
	if c, ok := ctx.Value(contextKey{}).(*Correlation); ok && c != nil {
		return c
	}
	return New("", "")
}

// Logger returns the ambient correlation-scoped logger.
func Logger(ctx context.Context) *slog.Logger {
	return From(ctx).Logger
}

// Detach returns a fresh background context that keeps the correlation
// record but drops the parent's deadline and cancellation. Used when a
// request spawns work that must outlive the request.
func Detach(ctx context.Context) context.Context {
	return With(context.Background(), From(ctx))
}
