package dcg

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/codeready-toolchain/agentgw/pkg/gatewayerr"
	"github.com/codeready-toolchain/agentgw/pkg/ids"
)

// Ingest records a producer-reported block event: redacts the command,
// persists, appends to the recent ring and publishes on system:dcg.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (*BlockEvent, error) {
	return s.ingest(ctx, req, true)
}

func (s *Service) ingest(ctx context.Context, req IngestRequest, announce bool) (*BlockEvent, error) {
	if req.AgentID == "" || req.Command == "" {
		return nil, gatewayerr.New(gatewayerr.KindValidation, "agentId and command are required")
	}
	if !req.Severity.Valid() {
		return nil, gatewayerr.New(gatewayerr.KindValidation, "unknown severity %q", req.Severity)
	}
	classification := req.ContextClassification
	if classification == "" {
		classification = ContextAmbiguous
	}

	event := &BlockEvent{
		ID:                    ids.New(ids.PrefixBlockEvent),
		Timestamp:             time.Now(),
		AgentID:               req.AgentID,
		Command:               s.redactor.Redact(req.Command),
		Pack:                  req.Pack,
		RuleID:                req.RuleID,
		Pattern:               req.Pattern,
		Severity:              req.Severity,
		Reason:                req.Reason,
		ContextClassification: classification,
		Allowlisted:           req.Allowlisted,
	}

	_, err := s.client.DB().ExecContext(ctx,
		`INSERT INTO dcg_block_events (id, created_at, agent_id, command, pack, rule_id,
		 pattern, severity, reason, context_classification, false_positive, allowlisted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		event.ID, event.Timestamp.UnixNano(), event.AgentID, event.Command, event.Pack,
		event.RuleID, event.Pattern, event.Severity, event.Reason,
		event.ContextClassification, event.Allowlisted)
	if err != nil {
		return nil, fmt.Errorf("persisting block event: %w", err)
	}

	s.ringAppend(event)
	if s.metrics != nil {
		s.metrics.BlocksBySeverity.WithLabelValues(string(event.Severity)).Inc()
	}

	if announce {
		messageType := MessageTypeWarn
		if event.Severity == SeverityCritical || event.Severity == SeverityHigh {
			messageType = MessageTypeBlock
		}
		s.publish(ctx, messageType, event)
	}
	return event, nil
}

func (s *Service) ringAppend(event *BlockEvent) {
	s.ringMu.Lock()
	defer s.ringMu.Unlock()
	s.ring = append(s.ring, event)
	if len(s.ring) > s.opts.RingSize {
		s.ring = s.ring[len(s.ring)-s.opts.RingSize:]
	}
}

// RecentEvents returns the in-memory ring, newest first.
func (s *Service) RecentEvents() []*BlockEvent {
	s.ringMu.Lock()
	defer s.ringMu.Unlock()
	out := make([]*BlockEvent, len(s.ring))
	for i, e := range s.ring {
		out[len(s.ring)-1-i] = e
	}
	return out
}

// MarkFalsePositive flags an event idempotently. A missing id returns
// nil with no error.
func (s *Service) MarkFalsePositive(ctx context.Context, id, actor string) (*BlockEvent, error) {
	_, err := s.client.DB().ExecContext(ctx,
		`UPDATE dcg_block_events SET false_positive = 1 WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("marking false positive: %w", err)
	}
	event, err := s.getEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, nil
	}

	s.ringMu.Lock()
	for _, e := range s.ring {
		if e.ID == id {
			e.FalsePositive = true
		}
	}
	s.ringMu.Unlock()

	s.publish(ctx, MessageTypeFalsePositive, event)
	s.audit(ctx, actor, "dcg.false_positive", id, nil)
	return event, nil
}

func (s *Service) getEvent(ctx context.Context, id string) (*BlockEvent, error) {
	row := s.client.DB().QueryRowContext(ctx,
		`SELECT id, created_at, agent_id, command, pack, rule_id, pattern, severity,
		 reason, context_classification, false_positive, allowlisted
		 FROM dcg_block_events WHERE id = ?`, id)
	event, err := scanBlockEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return event, err
}

// ListEvents pages persisted events newest first. The cursor is opaque
// and comes from a previous page's NextCursor.
func (s *Service) ListEvents(ctx context.Context, cursor string, limit int) (*EventPage, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := `SELECT id, created_at, agent_id, command, pack, rule_id, pattern, severity,
	          reason, context_classification, false_positive, allowlisted
	          FROM dcg_block_events`
	args := []any{}
	if cursor != "" {
		createdAt, id, err := decodeEventCursor(cursor)
		if err != nil {
			return nil, err
		}
		query += ` WHERE created_at < ? OR (created_at = ? AND id < ?)`
		args = append(args, createdAt, createdAt, id)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing block events: %w", err)
	}
	defer rows.Close()

	var events []*BlockEvent
	for rows.Next() {
		event, err := scanBlockEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &EventPage{Events: events}
	if len(events) > limit {
		page.Events = events[:limit]
		last := page.Events[limit-1]
		page.NextCursor = encodeEventCursor(last.Timestamp.UnixNano(), last.ID)
	}
	return page, nil
}

func encodeEventCursor(createdAt int64, id string) string {
	return base64.RawURLEncoding.EncodeToString(
		[]byte(strconv.FormatInt(createdAt, 10) + ":" + id))
}

func decodeEventCursor(cursor string) (int64, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, "", gatewayerr.New(gatewayerr.KindValidation, "malformed event cursor")
	}
	createdAtStr, id, ok := strings.Cut(string(raw), ":")
	if !ok {
		return 0, "", gatewayerr.New(gatewayerr.KindValidation, "malformed event cursor")
	}
	createdAt, err := strconv.ParseInt(createdAtStr, 10, 64)
	if err != nil {
		return 0, "", gatewayerr.New(gatewayerr.KindValidation, "malformed event cursor")
	}
	return createdAt, id, nil
}

func scanBlockEvent(row rowScanner) (*BlockEvent, error) {
	var event BlockEvent
	var createdAt int64
	var reason *string
	if err := row.Scan(&event.ID, &createdAt, &event.AgentID, &event.Command, &event.Pack,
		&event.RuleID, &event.Pattern, &event.Severity, &reason,
		&event.ContextClassification, &event.FalsePositive, &event.Allowlisted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning block event: %w", err)
	}
	event.Timestamp = time.Unix(0, createdAt)
	if reason != nil {
		event.Reason = *reason
	}
	return &event, nil
}
