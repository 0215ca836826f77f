// Package audit appends immutable audit records for every mutating
// operation. Persistence failures are logged and swallowed: audit is an
// ambient concern and never aborts the operation being audited.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/agentgw/pkg/correlation"
	"github.com/codeready-toolchain/agentgw/pkg/database"
	"github.com/codeready-toolchain/agentgw/pkg/hub"
	"github.com/codeready-toolchain/agentgw/pkg/ids"
)

// Redactor scrubs secrets from audit detail payloads before they are
// persisted. The DCG redaction rules implement this.
type Redactor interface {
	Redact(s string) string
}

// Record is one persisted audit entry.
type Record struct {
	ID            string
	CreatedAt     time.Time
	Actor         string
	Action        string
	Resource      string
	CorrelationID string
	Details       json.RawMessage
}

// Sink writes audit records to the database.
type Sink struct {
	client   *database.Client
	redactor Redactor
	logger   *slog.Logger
}

// NewSink creates a Sink. redactor may be nil when no scrubbing is wired.
func NewSink(client *database.Client, redactor Redactor, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{client: client, redactor: redactor, logger: logger}
}

// Record persists one audit entry. details is marshalled to JSON and
// redacted. Errors are logged, never returned.
func (s *Sink) Record(ctx context.Context, actor, action, resource string, details any) {
	var detailJSON any
	if details != nil {
		data, err := json.Marshal(details)
		if err != nil {
			s.logger.Error("Failed to marshal audit details",
				"action", action, "error", err)
		} else {
			text := string(data)
			if s.redactor != nil {
				text = s.redactor.Redact(text)
			}
			detailJSON = text
		}
	}

	corr := correlation.From(ctx)

	_, err := s.client.DB().ExecContext(ctx,
		`INSERT INTO audit_records (id, created_at, actor, action, resource, correlation_id, details)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ids.New(ids.PrefixAudit), time.Now().UnixNano(),
		nullable(actor), action, nullable(resource),
		nullable(corr.CorrelationID), detailJSON,
	)
	if err != nil {
		s.logger.Error("Failed to persist audit record",
			"action", action, "resource", resource, "error", err)
	}
}

// RecordReplay implements hub.ReplayAuditor.
func (s *Sink) RecordReplay(ctx context.Context, a hub.ReplayAudit) {
	s.Record(ctx, a.UserID, "hub.replay", a.Channel, map[string]any{
		"connectionId":     a.ConnectionID,
		"fromCursor":       a.FromCursor,
		"toCursor":         a.ToCursor,
		"messagesReplayed": a.MessagesReplayed,
		"cursorExpired":    a.CursorExpired,
		"usedSnapshot":     a.UsedSnapshot,
		"durationMs":       a.DurationMs,
	})
}

// List returns the newest records for an action ("" for all), newest
// first.
func (s *Sink) List(ctx context.Context, action string, limit int) ([]Record, error) {
	query := `SELECT id, created_at, actor, action, resource, correlation_id, details
	          FROM audit_records`
	args := []any{}
	if action != "" {
		query += ` WHERE action = ?`
		args = append(args, action)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var createdAt int64
		var actor, resource, corrID, details sql.NullString
		if err := rows.Scan(&r.ID, &createdAt, &actor, &r.Action, &resource, &corrID, &details); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(0, createdAt)
		r.Actor = actor.String
		r.Resource = resource.String
		r.CorrelationID = corrID.String
		if details.Valid {
			r.Details = json.RawMessage(details.String)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
