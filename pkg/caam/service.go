package caam

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/codeready-toolchain/agentgw/pkg/correlation"
	"github.com/codeready-toolchain/agentgw/pkg/database"
	"github.com/codeready-toolchain/agentgw/pkg/eventlog"
	"github.com/codeready-toolchain/agentgw/pkg/gatewayerr"
	"github.com/codeready-toolchain/agentgw/pkg/ids"
	"github.com/codeready-toolchain/agentgw/pkg/metrics"
)

// Reasons surfaced on non-fatal rotation failures.
const (
	ReasonNoPool       = "No pool found"
	ReasonNoProfiles   = "No available profiles"
	ReasonNoActive     = "No active profile"
	ReasonRateLimit    = "rate_limit"
	defaultCooldownMin = 30
)

// EventPublisher is the hub surface the service needs. Nil disables
// event publication.
type EventPublisher interface {
	Publish(ctx context.Context, channel, messageType string, data json.RawMessage) (eventlog.AppendResult, error)
}

// Auditor records mutating operations. Nil disables auditing.
type Auditor interface {
	Record(ctx context.Context, actor, action, resource string, details any)
}

// Service is the credential-pool rotator. Rotations on a single pool are
// linearised: concurrent rotate calls serialise on the pool's lock and
// each observes the previous winner's active profile.
type Service struct {
	store            *Store
	cooldownDefaults map[Provider]int
	publisher        EventPublisher
	auditor          Auditor
	metrics          *metrics.Metrics

	lockMu    sync.Mutex
	poolLocks map[string]*sync.Mutex
}

// NewService wires the rotator. cooldownDefaults maps providers to their
// default cooldown minutes; missing providers fall back to 30.
func NewService(client *database.Client, cooldownDefaults map[Provider]int, publisher EventPublisher, auditor Auditor) *Service {
	return &Service{
		store:            NewStore(client),
		cooldownDefaults: cooldownDefaults,
		publisher:        publisher,
		auditor:          auditor,
		poolLocks:        make(map[string]*sync.Mutex),
	}
}

// SetMetrics installs the collectors the rotator records into. Recording is
// skipped while unset.
func (s *Service) SetMetrics(m *metrics.Metrics) { s.metrics = m }

func (s *Service) countRotation(provider Provider, success bool) {
	if s.metrics == nil {
		return
	}
	result := "success"
	if !success {
		result = "failed"
	}
	s.metrics.Rotations.WithLabelValues(string(provider), result).Inc()
}

func (s *Service) poolLock(workspaceID string, provider Provider) *sync.Mutex {
	key := workspaceID + "|" + string(provider)
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if mu, ok := s.poolLocks[key]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	s.poolLocks[key] = mu
	return mu
}

// CreateProfile registers a profile, creating the (workspace, provider)
// pool on demand.
func (s *Service) CreateProfile(ctx context.Context, workspaceID string, provider Provider, name string, authMode AuthMode, labels map[string]string) (*Profile, error) {
	if err := validateNewProfile(workspaceID, provider, name, authMode); err != nil {
		return nil, err
	}

	pool, err := s.store.getOrCreatePool(ctx, workspaceID, provider)
	if err != nil {
		return nil, err
	}
	if labels == nil {
		labels = map[string]string{}
	}

	now := time.Now()
	profile := &Profile{
		ID:          ids.New(ids.PrefixProfile),
		PoolID:      pool.ID,
		WorkspaceID: workspaceID,
		Provider:    provider,
		Name:        name,
		AuthMode:    authMode,
		Status:      StatusUnlinked,
		HealthScore: 100,
		Labels:      labels,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.insertProfile(ctx, profile); err != nil {
		return nil, err
	}

	s.audit(ctx, "caam.profile.create", profile.ID, map[string]any{
		"workspaceId": workspaceID, "provider": provider, "name": name, "authMode": authMode,
	})
	return profile, nil
}

// GetProfile returns one profile, applying the cooldown auto-transition.
func (s *Service) GetProfile(ctx context.Context, id string) (*Profile, error) {
	return s.store.getProfile(ctx, id)
}

// ListProfiles returns every profile in a workspace.
func (s *Service) ListProfiles(ctx context.Context, workspaceID string) ([]*Profile, error) {
	return s.store.listWorkspaceProfiles(ctx, workspaceID)
}

// DeleteProfile removes a profile; the pool's active slot is cleared when
// it pointed at the deleted profile.
func (s *Service) DeleteProfile(ctx context.Context, id string) error {
	profile, err := s.store.getProfile(ctx, id)
	if err != nil {
		return err
	}

	mu := s.poolLock(profile.WorkspaceID, profile.Provider)
	mu.Lock()
	defer mu.Unlock()

	if err := s.store.deleteProfile(ctx, id); err != nil {
		return err
	}
	pool, err := s.store.getPoolByID(ctx, profile.PoolID)
	if err != nil {
		return err
	}
	if pool != nil && pool.ActiveProfileID == id {
		pool.ActiveProfileID = ""
		if err := s.store.updatePool(ctx, pool); err != nil {
			return err
		}
	}

	s.audit(ctx, "caam.profile.delete", id, nil)
	return nil
}

// ActivateProfile makes the profile its pool's active one and touches
// lastUsedAt.
func (s *Service) ActivateProfile(ctx context.Context, id string) (*Profile, error) {
	profile, err := s.store.getProfile(ctx, id)
	if err != nil {
		return nil, err
	}

	mu := s.poolLock(profile.WorkspaceID, profile.Provider)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now()
	profile.LastUsedAt = &now
	if err := s.store.updateProfile(ctx, profile); err != nil {
		return nil, err
	}

	pool, err := s.store.getPoolByID(ctx, profile.PoolID)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, gatewayerr.New(gatewayerr.KindInternal, "profile %s has no pool", id)
	}
	pool.ActiveProfileID = profile.ID
	if err := s.store.updatePool(ctx, pool); err != nil {
		return nil, err
	}

	s.audit(ctx, "caam.profile.activate", id, nil)
	return profile, nil
}

// MarkVerified transitions the profile to verified and stamps
// lastVerifiedAt.
func (s *Service) MarkVerified(ctx context.Context, id string) (*Profile, error) {
	profile, err := s.store.getProfile(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	profile.Status = StatusVerified
	profile.LastVerifiedAt = &now
	profile.CooldownUntil = nil
	if err := s.store.updateProfile(ctx, profile); err != nil {
		return nil, err
	}
	s.audit(ctx, "caam.profile.verify", id, nil)
	return profile, nil
}

// SetCooldown puts the profile in cooldown for the given minutes.
func (s *Service) SetCooldown(ctx context.Context, id string, minutes int, reason string) (*Profile, error) {
	if minutes <= 0 {
		return nil, gatewayerr.New(gatewayerr.KindValidation, "cooldown minutes must be positive")
	}
	profile, err := s.store.getProfile(ctx, id)
	if err != nil {
		return nil, err
	}
	until := time.Now().Add(time.Duration(minutes) * time.Minute)
	profile.Status = StatusCooldown
	profile.CooldownUntil = &until
	if err := s.store.updateProfile(ctx, profile); err != nil {
		return nil, err
	}
	s.audit(ctx, "caam.profile.cooldown", id, map[string]any{
		"minutes": minutes, "reason": reason,
	})
	return profile, nil
}

// UpdateProfile applies a partial patch.
func (s *Service) UpdateProfile(ctx context.Context, id string, patch ProfilePatch) (*Profile, error) {
	profile, err := s.store.getProfile(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Name != nil {
		profile.Name = *patch.Name
	}
	if patch.Status != nil {
		profile.Status = *patch.Status
	}
	if patch.HealthScore != nil {
		score := *patch.HealthScore
		if score < 0 || score > 100 {
			return nil, gatewayerr.New(gatewayerr.KindValidation, "healthScore must be in [0,100]")
		}
		profile.HealthScore = score
	}
	if patch.Labels != nil {
		profile.Labels = *patch.Labels
	}
	if patch.AuthFilesPresent != nil {
		profile.AuthFilesPresent = *patch.AuthFilesPresent
	}
	if err := s.store.updateProfile(ctx, profile); err != nil {
		return nil, err
	}
	s.audit(ctx, "caam.profile.update", id, patch)
	return profile, nil
}

// GetPool returns the pool for (workspace, provider), or nil.
func (s *Service) GetPool(ctx context.Context, workspaceID string, provider Provider) (*Pool, error) {
	return s.store.getPool(ctx, workspaceID, provider)
}

// SetRotationStrategy switches how the pool rotates.
func (s *Service) SetRotationStrategy(ctx context.Context, workspaceID string, provider Provider, strategy RotationStrategy) (*Pool, error) {
	if !validStrategy(strategy) {
		return nil, gatewayerr.New(gatewayerr.KindValidation, "unknown rotation strategy %q", strategy)
	}

	mu := s.poolLock(workspaceID, provider)
	mu.Lock()
	defer mu.Unlock()

	pool, err := s.store.getPool(ctx, workspaceID, provider)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, gatewayerr.New(gatewayerr.KindNotFound, "no pool for workspace %s provider %s", workspaceID, provider)
	}
	pool.RotationStrategy = strategy
	if err := s.store.updatePool(ctx, pool); err != nil {
		return nil, err
	}
	s.audit(ctx, "caam.pool.strategy", pool.ID, map[string]any{"strategy": strategy})
	return pool, nil
}

// Rotate switches the pool's active profile per its strategy. Failure to
// find a pool or a candidate is reported in the result, not as an error.
func (s *Service) Rotate(ctx context.Context, workspaceID string, provider Provider, reason string) (RotationResult, error) {
	mu := s.poolLock(workspaceID, provider)
	mu.Lock()
	defer mu.Unlock()
	return s.rotateLocked(ctx, workspaceID, provider, reason)
}

func (s *Service) rotateLocked(ctx context.Context, workspaceID string, provider Provider, reason string) (RotationResult, error) {
	pool, err := s.store.getPool(ctx, workspaceID, provider)
	if err != nil {
		return RotationResult{}, err
	}
	if pool == nil {
		s.countRotation(provider, false)
		return RotationResult{Success: false, Reason: ReasonNoPool}, nil
	}

	profiles, err := s.store.listPoolProfiles(ctx, pool.ID)
	if err != nil {
		return RotationResult{}, err
	}

	now := time.Now()
	candidates := make([]*Profile, 0, len(profiles))
	for _, p := range profiles {
		if p.ID != pool.ActiveProfileID && p.Available(now) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		s.countRotation(provider, false)
		return RotationResult{
			Success:           false,
			PreviousProfileID: pool.ActiveProfileID,
			Reason:            ReasonNoProfiles,
		}, nil
	}

	next := pickCandidate(pool.RotationStrategy, candidates, pool.ActiveProfileID)
	previous := pool.ActiveProfileID

	next.LastUsedAt = &now
	if err := s.store.updateProfile(ctx, next); err != nil {
		return RotationResult{}, err
	}
	pool.ActiveProfileID = next.ID
	pool.LastRotatedAt = &now
	if err := s.store.updatePool(ctx, pool); err != nil {
		return RotationResult{}, err
	}

	retries := len(candidates) - 1
	if retries > pool.MaxRetries {
		retries = pool.MaxRetries
	}
	result := RotationResult{
		Success:           true,
		PreviousProfileID: previous,
		NewProfileID:      next.ID,
		RetriesRemaining:  retries,
		Reason:            reason,
	}

	s.countRotation(provider, true)
	s.audit(ctx, "caam.rotate", pool.ID, result)
	s.publishRotation(ctx, workspaceID, provider, result)
	return result, nil
}

// HandleRateLimit atomically cools down the active profile and rotates.
func (s *Service) HandleRateLimit(ctx context.Context, workspaceID string, provider Provider, errorText string) (RotationResult, error) {
	mu := s.poolLock(workspaceID, provider)
	mu.Lock()
	defer mu.Unlock()

	pool, err := s.store.getPool(ctx, workspaceID, provider)
	if err != nil {
		return RotationResult{}, err
	}
	if pool == nil {
		return RotationResult{Success: false, Reason: ReasonNoPool}, nil
	}
	if pool.ActiveProfileID == "" {
		return RotationResult{Success: false, Reason: ReasonNoActive}, nil
	}

	active, err := s.store.getProfile(ctx, pool.ActiveProfileID)
	if err != nil {
		return RotationResult{}, err
	}

	minutes := s.cooldownMinutes(pool, provider)
	until := time.Now().Add(time.Duration(minutes) * time.Minute)
	active.Status = StatusCooldown
	active.CooldownUntil = &until
	active.PenaltyScore++
	active.ErrorCount1h++
	if active.HealthScore > 10 {
		active.HealthScore -= 10
	} else {
		active.HealthScore = 0
	}
	if err := s.store.updateProfile(ctx, active); err != nil {
		return RotationResult{}, err
	}

	s.audit(ctx, "caam.rate_limit", active.ID, map[string]any{
		"cooldownMinutes": minutes, "errorText": truncate(errorText, 500),
	})

	result, err := s.rotateLocked(ctx, workspaceID, provider, ReasonRateLimit)
	if err != nil {
		return RotationResult{}, err
	}
	result.PreviousProfileID = active.ID
	return result, nil
}

func (s *Service) cooldownMinutes(pool *Pool, provider Provider) int {
	if pool.CooldownMinutesDefault != nil && *pool.CooldownMinutesDefault > 0 {
		return *pool.CooldownMinutesDefault
	}
	if m, ok := s.cooldownDefaults[provider]; ok && m > 0 {
		return m
	}
	return defaultCooldownMin
}

// PeekNextProfile previews the rotation winner without mutating anything.
func (s *Service) PeekNextProfile(ctx context.Context, workspaceID string, provider Provider) (*Profile, error) {
	pool, err := s.store.getPool(ctx, workspaceID, provider)
	if err != nil || pool == nil {
		return nil, err
	}
	profiles, err := s.store.listPoolProfiles(ctx, pool.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	candidates := make([]*Profile, 0, len(profiles))
	for _, p := range profiles {
		if p.ID != pool.ActiveProfileID && p.Available(now) {
			candidates = append(candidates, p)
		}
	}
	return pickCandidate(pool.RotationStrategy, candidates, pool.ActiveProfileID), nil
}

// GetByoaStatus reports bring-your-own-account readiness for a workspace.
func (s *Service) GetByoaStatus(ctx context.Context, workspaceID string) (ByoaStatus, error) {
	profiles, err := s.store.listWorkspaceProfiles(ctx, workspaceID)
	if err != nil {
		return ByoaStatus{}, err
	}

	status := ByoaStatus{VerifiedProviders: []Provider{}}
	seen := map[Provider]bool{}
	for _, p := range profiles {
		switch p.Status {
		case StatusVerified:
			status.ProfileSummary.Verified++
			if !seen[p.Provider] {
				seen[p.Provider] = true
				status.VerifiedProviders = append(status.VerifiedProviders, p.Provider)
			}
		case StatusCooldown:
			status.ProfileSummary.InCooldown++
		case StatusError, StatusExpired:
			status.ProfileSummary.Error++
		case StatusUnlinked:
			status.ProfileSummary.Unlinked++
		}
	}

	status.Ready = len(status.VerifiedProviders) > 0
	switch {
	case status.Ready:
	case len(profiles) == 0:
		status.RecommendedAction = "Create a profile for at least one provider"
	case status.ProfileSummary.Unlinked > 0:
		status.RecommendedAction = "Link and verify the unlinked profiles"
	default:
		status.RecommendedAction = "Verify at least one linked profile"
	}
	return status, nil
}

func (s *Service) publishRotation(ctx context.Context, workspaceID string, provider Provider, result RotationResult) {
	if s.publisher == nil {
		return
	}
	data, err := json.Marshal(map[string]any{
		"provider": provider,
		"result":   result,
	})
	if err != nil {
		return
	}
	channel := "workspace:agents:" + workspaceID
	if _, err := s.publisher.Publish(ctx, channel, "caam.rotation", data); err != nil {
		correlation.Logger(ctx).Error("Failed to publish rotation event",
			"workspace_id", workspaceID, "provider", provider, "error", err)
	}
}

func (s *Service) audit(ctx context.Context, action, resource string, details any) {
	if s.auditor != nil {
		s.auditor.Record(ctx, "", action, resource, details)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
