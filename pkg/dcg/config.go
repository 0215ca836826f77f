package dcg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/codeready-toolchain/agentgw/pkg/gatewayerr"
)

// loadOrSeedConfig reads the singleton config row, inserting the
// default configuration on first boot.
func (s *Service) loadOrSeedConfig(ctx context.Context) (Config, error) {
	var enabled, disabled, modes string
	var updatedBy string
	var updatedAt int64
	err := s.client.DB().QueryRowContext(ctx,
		`SELECT enabled_packs, disabled_packs, severity_modes, updated_by, updated_at
		 FROM dcg_config WHERE id = 1`).
		Scan(&enabled, &disabled, &modes, &updatedBy, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		cfg := Config{
			EnabledPacks:  slices.Clone(s.registry.order),
			DisabledPacks: []string{},
			SeverityModes: DefaultSeverityModes(),
			UpdatedBy:     "system",
			UpdatedAt:     time.Now(),
		}
		if err := s.writeConfig(ctx, cfg, true); err != nil {
			return Config{}, err
		}
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("loading guard config: %w", err)
	}

	cfg := Config{UpdatedBy: updatedBy, UpdatedAt: time.Unix(0, updatedAt)}
	if err := json.Unmarshal([]byte(enabled), &cfg.EnabledPacks); err != nil {
		return Config{}, fmt.Errorf("decoding enabled packs: %w", err)
	}
	if err := json.Unmarshal([]byte(disabled), &cfg.DisabledPacks); err != nil {
		return Config{}, fmt.Errorf("decoding disabled packs: %w", err)
	}
	if err := json.Unmarshal([]byte(modes), &cfg.SeverityModes); err != nil {
		return Config{}, fmt.Errorf("decoding severity modes: %w", err)
	}
	return cfg, nil
}

func (s *Service) writeConfig(ctx context.Context, cfg Config, insert bool) error {
	enabled, err := json.Marshal(cfg.EnabledPacks)
	if err != nil {
		return err
	}
	disabled, err := json.Marshal(cfg.DisabledPacks)
	if err != nil {
		return err
	}
	modes, err := json.Marshal(cfg.SeverityModes)
	if err != nil {
		return err
	}
	if insert {
		_, err = s.client.DB().ExecContext(ctx,
			`INSERT INTO dcg_config (id, enabled_packs, disabled_packs, severity_modes, updated_by, updated_at)
			 VALUES (1, ?, ?, ?, ?, ?)`,
			string(enabled), string(disabled), string(modes), cfg.UpdatedBy, cfg.UpdatedAt.UnixNano())
	} else {
		_, err = s.client.DB().ExecContext(ctx,
			`UPDATE dcg_config SET enabled_packs = ?, disabled_packs = ?, severity_modes = ?,
			 updated_by = ?, updated_at = ? WHERE id = 1`,
			string(enabled), string(disabled), string(modes), cfg.UpdatedBy, cfg.UpdatedAt.UnixNano())
	}
	if err != nil {
		return fmt.Errorf("persisting guard config: %w", err)
	}
	return nil
}

// GetConfig returns a copy of the current configuration.
func (s *Service) GetConfig() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg.copy()
}

func (c Config) copy() Config {
	out := c
	out.EnabledPacks = slices.Clone(c.EnabledPacks)
	out.DisabledPacks = slices.Clone(c.DisabledPacks)
	out.SeverityModes = make(map[Severity]Mode, len(c.SeverityModes))
	for k, v := range c.SeverityModes {
		out.SeverityModes[k] = v
	}
	return out
}

// UpdateConfig applies a partial update, appends a history entry and
// publishes dcg.config_updated.
func (s *Service) UpdateConfig(ctx context.Context, patch ConfigPatch, updatedBy string) (Config, error) {
	if patch.SeverityModes != nil {
		for sev, mode := range *patch.SeverityModes {
			if !sev.Valid() {
				return Config{}, gatewayerr.New(gatewayerr.KindValidation, "unknown severity %q", sev)
			}
			if !mode.Valid() {
				return Config{}, gatewayerr.New(gatewayerr.KindValidation, "unknown mode %q", mode)
			}
		}
	}
	for _, packs := range []*[]string{patch.EnabledPacks, patch.DisabledPacks} {
		if packs == nil {
			continue
		}
		for _, name := range *packs {
			if _, ok := s.registry.pack(name); !ok {
				return Config{}, gatewayerr.New(gatewayerr.KindValidation, "unknown pack %q", name)
			}
		}
	}

	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	before := s.cfg.copy()
	next := s.cfg.copy()
	if patch.EnabledPacks != nil {
		next.EnabledPacks = slices.Clone(*patch.EnabledPacks)
	}
	if patch.DisabledPacks != nil {
		next.DisabledPacks = slices.Clone(*patch.DisabledPacks)
	}
	if patch.SeverityModes != nil {
		for sev, mode := range *patch.SeverityModes {
			next.SeverityModes[sev] = mode
		}
	}
	return s.commitConfigLocked(ctx, before, next, updatedBy)
}

// EnablePack makes a pack effective: adds it to enabledPacks and clears
// it from disabledPacks.
func (s *Service) EnablePack(ctx context.Context, name, updatedBy string) (Config, error) {
	return s.togglePack(ctx, name, updatedBy, true)
}

// DisablePack removes a pack from the effective set.
func (s *Service) DisablePack(ctx context.Context, name, updatedBy string) (Config, error) {
	return s.togglePack(ctx, name, updatedBy, false)
}

func (s *Service) togglePack(ctx context.Context, name, updatedBy string, enable bool) (Config, error) {
	if _, ok := s.registry.pack(name); !ok {
		return Config{}, gatewayerr.New(gatewayerr.KindNotFound, "pack %q not found", name)
	}

	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	before := s.cfg.copy()
	next := s.cfg.copy()
	if enable {
		if !slices.Contains(next.EnabledPacks, name) {
			next.EnabledPacks = append(next.EnabledPacks, name)
		}
		next.DisabledPacks = slices.DeleteFunc(next.DisabledPacks, func(p string) bool { return p == name })
	} else {
		next.EnabledPacks = slices.DeleteFunc(next.EnabledPacks, func(p string) bool { return p == name })
		if !slices.Contains(next.DisabledPacks, name) {
			next.DisabledPacks = append(next.DisabledPacks, name)
		}
	}
	return s.commitConfigLocked(ctx, before, next, updatedBy)
}

// commitConfigLocked persists the new config, records history and
// publishes the update. Caller holds cfgMu.
func (s *Service) commitConfigLocked(ctx context.Context, before, next Config, updatedBy string) (Config, error) {
	if updatedBy == "" {
		updatedBy = "system"
	}
	next.UpdatedBy = updatedBy
	next.UpdatedAt = time.Now()

	if err := s.writeConfig(ctx, next, false); err != nil {
		return Config{}, err
	}
	if err := s.appendConfigHistory(ctx, before, next); err != nil {
		return Config{}, err
	}
	s.cfg = next

	updated := next.copy()
	s.publish(ctx, MessageTypeConfigUpdated, updated)
	s.audit(ctx, updatedBy, "dcg.config_update", "dcg_config", updated)
	return updated, nil
}

func (s *Service) appendConfigHistory(ctx context.Context, before, next Config) error {
	snapshot, err := next.snapshotJSON()
	if err != nil {
		return err
	}
	diff, err := json.Marshal(map[string]any{
		"before": map[string]any{
			"enabledPacks":  before.EnabledPacks,
			"disabledPacks": before.DisabledPacks,
			"severityModes": before.SeverityModes,
		},
		"after": map[string]any{
			"enabledPacks":  next.EnabledPacks,
			"disabledPacks": next.DisabledPacks,
			"severityModes": next.SeverityModes,
		},
	})
	if err != nil {
		return err
	}
	_, err = s.client.DB().ExecContext(ctx,
		`INSERT INTO dcg_config_history (snapshot, diff, updated_by, updated_at)
		 VALUES (?, ?, ?, ?)`,
		string(snapshot), string(diff), next.UpdatedBy, next.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("recording config history: %w", err)
	}
	return nil
}

// ListPacks enumerates known packs with their effective state.
func (s *Service) ListPacks() []PackInfo {
	cfg := s.GetConfig()
	out := make([]PackInfo, 0, len(s.registry.order))
	for _, name := range s.registry.order {
		p := s.registry.packs[name]
		out = append(out, PackInfo{
			Name:    p.Name,
			Version: p.Version,
			Rules:   len(p.Rules),
			Enabled: packEffective(cfg, name),
		})
	}
	return out
}

// packEffective reports whether a pack participates in evaluation.
func packEffective(cfg Config, name string) bool {
	return slices.Contains(cfg.EnabledPacks, name) && !slices.Contains(cfg.DisabledPacks, name)
}

// modeFor resolves the action for a severity, falling back to the
// default table for severities absent from the config.
func modeFor(cfg Config, sev Severity) Mode {
	if m, ok := cfg.SeverityModes[sev]; ok {
		return m
	}
	return DefaultSeverityModes()[sev]
}
