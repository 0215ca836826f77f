package caam

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/codeready-toolchain/agentgw/pkg/database"
	"github.com/codeready-toolchain/agentgw/pkg/gatewayerr"
	"github.com/codeready-toolchain/agentgw/pkg/ids"
)

// Store persists pools and profiles. Reads auto-transition profiles whose
// cooldown has lapsed back to linked before returning them.
type Store struct {
	client *database.Client
}

func NewStore(client *database.Client) *Store {
	return &Store{client: client}
}

const profileColumns = `id, pool_id, workspace_id, provider, name, auth_mode, status,
	health_score, penalty_score, cooldown_until, last_used_at, last_verified_at,
	error_count_1h, labels, auth_files_present, created_at, updated_at`

func (s *Store) getOrCreatePool(ctx context.Context, workspaceID string, provider Provider) (*Pool, error) {
	pool, err := s.getPool(ctx, workspaceID, provider)
	if err != nil || pool != nil {
		return pool, err
	}

	pool = &Pool{
		ID:               ids.New(ids.PrefixPool),
		WorkspaceID:      workspaceID,
		Provider:         provider,
		RotationStrategy: StrategySmart,
		MaxRetries:       3,
		CreatedAt:        time.Now(),
	}
	_, err = s.client.DB().ExecContext(ctx,
		`INSERT INTO caam_pools (id, workspace_id, provider, rotation_strategy, max_retries, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (workspace_id, provider) DO NOTHING`,
		pool.ID, workspaceID, provider, pool.RotationStrategy, pool.MaxRetries, pool.CreatedAt.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	// A concurrent creator may have won the upsert; re-read for the truth.
	return s.getPool(ctx, workspaceID, provider)
}

func (s *Store) getPool(ctx context.Context, workspaceID string, provider Provider) (*Pool, error) {
	row := s.client.DB().QueryRowContext(ctx,
		`SELECT id, workspace_id, provider, rotation_strategy, cooldown_minutes_default,
		        max_retries, active_profile_id, last_rotated_at, created_at
		 FROM caam_pools WHERE workspace_id = ? AND provider = ?`,
		workspaceID, provider,
	)
	return scanPool(row)
}

func (s *Store) getPoolByID(ctx context.Context, poolID string) (*Pool, error) {
	row := s.client.DB().QueryRowContext(ctx,
		`SELECT id, workspace_id, provider, rotation_strategy, cooldown_minutes_default,
		        max_retries, active_profile_id, last_rotated_at, created_at
		 FROM caam_pools WHERE id = ?`,
		poolID,
	)
	return scanPool(row)
}

func scanPool(row *sql.Row) (*Pool, error) {
	var p Pool
	var cooldownDefault sql.NullInt64
	var activeProfile sql.NullString
	var lastRotated sql.NullInt64
	var createdAt int64
	err := row.Scan(&p.ID, &p.WorkspaceID, &p.Provider, &p.RotationStrategy,
		&cooldownDefault, &p.MaxRetries, &activeProfile, &lastRotated, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning pool: %w", err)
	}
	if cooldownDefault.Valid {
		v := int(cooldownDefault.Int64)
		p.CooldownMinutesDefault = &v
	}
	p.ActiveProfileID = activeProfile.String
	if lastRotated.Valid {
		t := time.Unix(0, lastRotated.Int64)
		p.LastRotatedAt = &t
	}
	p.CreatedAt = time.Unix(0, createdAt)
	return &p, nil
}

func (s *Store) updatePool(ctx context.Context, p *Pool) error {
	var cooldownDefault any
	if p.CooldownMinutesDefault != nil {
		cooldownDefault = *p.CooldownMinutesDefault
	}
	var lastRotated any
	if p.LastRotatedAt != nil {
		lastRotated = p.LastRotatedAt.UnixNano()
	}
	_, err := s.client.DB().ExecContext(ctx,
		`UPDATE caam_pools SET rotation_strategy = ?, cooldown_minutes_default = ?,
		 max_retries = ?, active_profile_id = ?, last_rotated_at = ? WHERE id = ?`,
		p.RotationStrategy, cooldownDefault, p.MaxRetries,
		nullable(p.ActiveProfileID), lastRotated, p.ID,
	)
	if err != nil {
		return fmt.Errorf("updating pool: %w", err)
	}
	return nil
}

func (s *Store) insertProfile(ctx context.Context, p *Profile) error {
	labels, err := json.Marshal(p.Labels)
	if err != nil {
		return fmt.Errorf("marshalling labels: %w", err)
	}
	_, err = s.client.DB().ExecContext(ctx,
		`INSERT INTO caam_profiles (`+profileColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.PoolID, p.WorkspaceID, p.Provider, p.Name, p.AuthMode, p.Status,
		p.HealthScore, p.PenaltyScore, nanoPtr(p.CooldownUntil), nanoPtr(p.LastUsedAt),
		nanoPtr(p.LastVerifiedAt), p.ErrorCount1h, string(labels),
		p.AuthFilesPresent, p.CreatedAt.UnixNano(), p.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("inserting profile: %w", err)
	}
	return nil
}

// getProfile returns the profile or a not_found error.
func (s *Store) getProfile(ctx context.Context, id string) (*Profile, error) {
	rows, err := s.client.DB().QueryContext(ctx,
		`SELECT `+profileColumns+` FROM caam_profiles WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	profiles, err := s.collectProfiles(ctx, rows)
	if err != nil {
		return nil, err
	}
	if len(profiles) == 0 {
		return nil, gatewayerr.New(gatewayerr.KindNotFound, "profile %s not found", id)
	}
	return profiles[0], nil
}

func (s *Store) listPoolProfiles(ctx context.Context, poolID string) ([]*Profile, error) {
	rows, err := s.client.DB().QueryContext(ctx,
		`SELECT `+profileColumns+` FROM caam_profiles WHERE pool_id = ? ORDER BY id`, poolID)
	if err != nil {
		return nil, err
	}
	return s.collectProfiles(ctx, rows)
}

func (s *Store) listWorkspaceProfiles(ctx context.Context, workspaceID string) ([]*Profile, error) {
	rows, err := s.client.DB().QueryContext(ctx,
		`SELECT `+profileColumns+` FROM caam_profiles WHERE workspace_id = ? ORDER BY id`, workspaceID)
	if err != nil {
		return nil, err
	}
	return s.collectProfiles(ctx, rows)
}

// collectProfiles scans rows and applies the cooldown auto-transition: a
// profile whose cooldownUntil has passed reads as linked, and the lapse is
// written back.
func (s *Store) collectProfiles(ctx context.Context, rows *sql.Rows) ([]*Profile, error) {
	defer rows.Close()

	var profiles []*Profile
	var lapsed []string
	now := time.Now()
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		if p.Status == StatusCooldown && (p.CooldownUntil == nil || !p.CooldownUntil.After(now)) {
			p.Status = StatusLinked
			p.CooldownUntil = nil
			lapsed = append(lapsed, p.ID)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range lapsed {
		if _, err := s.client.DB().ExecContext(ctx,
			`UPDATE caam_profiles SET status = ?, cooldown_until = NULL, updated_at = ?
			 WHERE id = ? AND status = ?`,
			StatusLinked, now.UnixNano(), id, StatusCooldown,
		); err != nil {
			return nil, fmt.Errorf("clearing lapsed cooldown for %s: %w", id, err)
		}
	}
	return profiles, nil
}

func scanProfile(rows *sql.Rows) (*Profile, error) {
	var p Profile
	var cooldown, lastUsed, lastVerified sql.NullInt64
	var labels string
	var createdAt, updatedAt int64
	err := rows.Scan(&p.ID, &p.PoolID, &p.WorkspaceID, &p.Provider, &p.Name,
		&p.AuthMode, &p.Status, &p.HealthScore, &p.PenaltyScore,
		&cooldown, &lastUsed, &lastVerified, &p.ErrorCount1h, &labels,
		&p.AuthFilesPresent, &createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("scanning profile: %w", err)
	}
	p.CooldownUntil = timePtr(cooldown)
	p.LastUsedAt = timePtr(lastUsed)
	p.LastVerifiedAt = timePtr(lastVerified)
	if err := json.Unmarshal([]byte(labels), &p.Labels); err != nil {
		return nil, fmt.Errorf("unmarshalling labels: %w", err)
	}
	p.CreatedAt = time.Unix(0, createdAt)
	p.UpdatedAt = time.Unix(0, updatedAt)
	return &p, nil
}

func (s *Store) updateProfile(ctx context.Context, p *Profile) error {
	labels, err := json.Marshal(p.Labels)
	if err != nil {
		return fmt.Errorf("marshalling labels: %w", err)
	}
	p.UpdatedAt = time.Now()
	_, err = s.client.DB().ExecContext(ctx,
		`UPDATE caam_profiles SET name = ?, status = ?, health_score = ?, penalty_score = ?,
		 cooldown_until = ?, last_used_at = ?, last_verified_at = ?, error_count_1h = ?,
		 labels = ?, auth_files_present = ?, updated_at = ? WHERE id = ?`,
		p.Name, p.Status, p.HealthScore, p.PenaltyScore,
		nanoPtr(p.CooldownUntil), nanoPtr(p.LastUsedAt), nanoPtr(p.LastVerifiedAt),
		p.ErrorCount1h, string(labels), p.AuthFilesPresent, p.UpdatedAt.UnixNano(), p.ID,
	)
	if err != nil {
		return fmt.Errorf("updating profile: %w", err)
	}
	return nil
}

func (s *Store) deleteProfile(ctx context.Context, id string) error {
	res, err := s.client.DB().ExecContext(ctx, `DELETE FROM caam_profiles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return gatewayerr.New(gatewayerr.KindNotFound, "profile %s not found", id)
	}
	return nil
}

func nanoPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
