// Package caam manages credential pools: named auth profiles per
// (workspace, provider), rotation among them, and cooldown handling when a
// provider rate-limits the active profile.
package caam

import (
	"time"

	"github.com/codeready-toolchain/agentgw/pkg/gatewayerr"
)

// Provider identifies a credential provider.
type Provider string

const (
	ProviderClaude Provider = "claude"
	ProviderCodex  Provider = "codex"
	ProviderGemini Provider = "gemini"
)

// AuthMode is how a profile authenticates.
type AuthMode string

const (
	AuthOAuthBrowser AuthMode = "oauth_browser"
	AuthDeviceCode   AuthMode = "device_code"
	AuthAPIKey       AuthMode = "api_key"
	AuthVertexADC    AuthMode = "vertex_adc"
)

// Status is a profile's lifecycle state.
type Status string

const (
	StatusUnlinked Status = "unlinked"
	StatusLinked   Status = "linked"
	StatusVerified Status = "verified"
	StatusExpired  Status = "expired"
	StatusCooldown Status = "cooldown"
	StatusError    Status = "error"
)

// RotationStrategy selects the next profile during rotation.
type RotationStrategy string

const (
	StrategySmart       RotationStrategy = "smart"
	StrategyRoundRobin  RotationStrategy = "round_robin"
	StrategyLeastRecent RotationStrategy = "least_recent"
	StrategyRandom      RotationStrategy = "random"
)

// Profile is one credential context in a pool.
type Profile struct {
	ID               string            `json:"id"`
	PoolID           string            `json:"poolId"`
	WorkspaceID      string            `json:"workspaceId"`
	Provider         Provider          `json:"provider"`
	Name             string            `json:"name"`
	AuthMode         AuthMode          `json:"authMode"`
	Status           Status            `json:"status"`
	HealthScore      int               `json:"healthScore"`
	PenaltyScore     int               `json:"penaltyScore"`
	CooldownUntil    *time.Time        `json:"cooldownUntil,omitempty"`
	LastUsedAt       *time.Time        `json:"lastUsedAt,omitempty"`
	LastVerifiedAt   *time.Time        `json:"lastVerifiedAt,omitempty"`
	ErrorCount1h     int               `json:"errorCount1h"`
	Labels           map[string]string `json:"labels"`
	AuthFilesPresent bool              `json:"authFilesPresent"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// Available reports whether the profile can be rotated to at the given
// instant.
func (p *Profile) Available(now time.Time) bool {
	if p.Status != StatusLinked && p.Status != StatusVerified {
		return false
	}
	return p.CooldownUntil == nil || !p.CooldownUntil.After(now)
}

// Pool groups the profiles of one (workspace, provider) pair.
type Pool struct {
	ID                     string           `json:"id"`
	WorkspaceID            string           `json:"workspaceId"`
	Provider               Provider         `json:"provider"`
	RotationStrategy       RotationStrategy `json:"rotationStrategy"`
	CooldownMinutesDefault *int             `json:"cooldownMinutesDefault,omitempty"`
	MaxRetries             int              `json:"maxRetries"`
	ActiveProfileID        string           `json:"activeProfileId,omitempty"`
	LastRotatedAt          *time.Time       `json:"lastRotatedAt,omitempty"`
	CreatedAt              time.Time        `json:"createdAt"`
}

// RotationResult reports the outcome of a rotate or rate-limit handover.
type RotationResult struct {
	Success           bool   `json:"success"`
	PreviousProfileID string `json:"previousProfileId,omitempty"`
	NewProfileID      string `json:"newProfileId,omitempty"`
	RetriesRemaining  int    `json:"retriesRemaining"`
	Reason            string `json:"reason,omitempty"`
}

// ProfileSummary counts profiles of a workspace by state bucket.
type ProfileSummary struct {
	Verified   int `json:"verified"`
	InCooldown int `json:"inCooldown"`
	Error      int `json:"error"`
	Unlinked   int `json:"unlinked"`
}

// ByoaStatus is the bring-your-own-account readiness report for a
// workspace.
type ByoaStatus struct {
	Ready             bool           `json:"ready"`
	VerifiedProviders []Provider     `json:"verifiedProviders"`
	ProfileSummary    ProfileSummary `json:"profileSummary"`
	RecommendedAction string         `json:"recommendedAction,omitempty"`
}

// ProfilePatch is a partial profile update. Nil fields are untouched.
type ProfilePatch struct {
	Name             *string            `json:"name,omitempty"`
	Status           *Status            `json:"status,omitempty"`
	HealthScore      *int               `json:"healthScore,omitempty"`
	Labels           *map[string]string `json:"labels,omitempty"`
	AuthFilesPresent *bool              `json:"authFilesPresent,omitempty"`
}

func validProvider(p Provider) bool {
	switch p {
	case ProviderClaude, ProviderCodex, ProviderGemini:
		return true
	}
	return false
}

func validAuthMode(m AuthMode) bool {
	switch m {
	case AuthOAuthBrowser, AuthDeviceCode, AuthAPIKey, AuthVertexADC:
		return true
	}
	return false
}

func validStrategy(s RotationStrategy) bool {
	switch s {
	case StrategySmart, StrategyRoundRobin, StrategyLeastRecent, StrategyRandom:
		return true
	}
	return false
}

func validateNewProfile(workspaceID string, provider Provider, name string, mode AuthMode) error {
	if workspaceID == "" {
		return gatewayerr.New(gatewayerr.KindValidation, "workspaceId is required")
	}
	if !validProvider(provider) {
		return gatewayerr.New(gatewayerr.KindValidation, "unknown provider %q", provider)
	}
	if name == "" {
		return gatewayerr.New(gatewayerr.KindValidation, "profile name is required")
	}
	if !validAuthMode(mode) {
		return gatewayerr.New(gatewayerr.KindValidation, "unknown auth mode %q", mode)
	}
	return nil
}
