package dcg

import (
	"context"
	"fmt"
	"time"

	"github.com/codeready-toolchain/agentgw/pkg/gatewayerr"
)

// AddAllowlistEntry suppresses future matches of a rule, optionally
// until expiresAt.
func (s *Service) AddAllowlistEntry(ctx context.Context, ruleID, addedBy, reason string, expiresAt *time.Time) (*AllowlistEntry, error) {
	if ruleID == "" {
		return nil, gatewayerr.New(gatewayerr.KindValidation, "ruleId is required")
	}
	entry := &AllowlistEntry{
		RuleID:    ruleID,
		AddedBy:   addedBy,
		Reason:    reason,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
	}
	var expires any
	if expiresAt != nil {
		expires = expiresAt.UnixNano()
	}
	_, err := s.client.DB().ExecContext(ctx,
		`INSERT INTO dcg_allowlist (rule_id, added_by, reason, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (rule_id) DO UPDATE SET added_by = excluded.added_by,
		 reason = excluded.reason, expires_at = excluded.expires_at`,
		ruleID, addedBy, reason, expires, entry.CreatedAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("adding allowlist entry: %w", err)
	}
	s.audit(ctx, addedBy, "dcg.allowlist_add", ruleID, entry)
	return entry, nil
}

// RemoveAllowlistEntry deletes an entry. Missing rule ids are a
// not_found error.
func (s *Service) RemoveAllowlistEntry(ctx context.Context, ruleID, removedBy string) error {
	res, err := s.client.DB().ExecContext(ctx,
		`DELETE FROM dcg_allowlist WHERE rule_id = ?`, ruleID)
	if err != nil {
		return fmt.Errorf("removing allowlist entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return gatewayerr.New(gatewayerr.KindNotFound, "allowlist entry %q not found", ruleID)
	}
	s.audit(ctx, removedBy, "dcg.allowlist_remove", ruleID, nil)
	return nil
}

// ListAllowlist returns all entries, expired ones included.
func (s *Service) ListAllowlist(ctx context.Context) ([]*AllowlistEntry, error) {
	rows, err := s.client.DB().QueryContext(ctx,
		`SELECT rule_id, added_by, reason, expires_at, created_at
		 FROM dcg_allowlist ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing allowlist: %w", err)
	}
	defer rows.Close()

	var out []*AllowlistEntry
	for rows.Next() {
		entry, err := scanAllowlistEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// activeAllowlist returns the rule ids whose entries are unexpired at
// now.
func (s *Service) activeAllowlist(ctx context.Context, now time.Time) (map[string]struct{}, error) {
	rows, err := s.client.DB().QueryContext(ctx,
		`SELECT rule_id FROM dcg_allowlist WHERE expires_at IS NULL OR expires_at > ?`,
		now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("reading allowlist: %w", err)
	}
	defer rows.Close()

	active := make(map[string]struct{})
	for rows.Next() {
		var ruleID string
		if err := rows.Scan(&ruleID); err != nil {
			return nil, err
		}
		active[ruleID] = struct{}{}
	}
	return active, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAllowlistEntry(row rowScanner) (*AllowlistEntry, error) {
	var entry AllowlistEntry
	var reason *string
	var expiresAt *int64
	var createdAt int64
	if err := row.Scan(&entry.RuleID, &entry.AddedBy, &reason, &expiresAt, &createdAt); err != nil {
		return nil, fmt.Errorf("scanning allowlist entry: %w", err)
	}
	if reason != nil {
		entry.Reason = *reason
	}
	if expiresAt != nil {
		t := time.Unix(0, *expiresAt)
		entry.ExpiresAt = &t
	}
	entry.CreatedAt = time.Unix(0, createdAt)
	return &entry, nil
}
