// Package config loads and validates gateway configuration from a config
// directory (YAML + environment), with built-in defaults for every section.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root gateway configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	GitSync GitSyncConfig `yaml:"git_sync"`
	CAAM    CAAMConfig    `yaml:"caam"`
	Hub     HubConfig     `yaml:"hub"`
	DCG     DCGConfig     `yaml:"dcg"`
	Cleanup CleanupConfig `yaml:"cleanup"`
	CLI     CLIConfig     `yaml:"cli"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AdminUsers      []string      `yaml:"admin_users"`

	// APIKeys lists the accepted client credentials. Keys normally come
	// from the environment via {{.VAR}} references in gateway.yaml.
	APIKeys []APIKeyConfig `yaml:"api_keys"`
}

// APIKeyConfig binds one API key to a principal.
type APIKeyConfig struct {
	ID         string   `yaml:"id"`
	Key        string   `yaml:"key"`
	UserID     string   `yaml:"user_id"`
	Workspaces []string `yaml:"workspaces"`
	Admin      bool     `yaml:"admin"`
}

// GitSyncConfig controls the per-repository sync scheduler.
type GitSyncConfig struct {
	// MaxConcurrentOps caps the running set per repository.
	MaxConcurrentOps int `yaml:"max_concurrent_ops"`

	// MaxAttempts is the retry cap per operation, inclusive of the first try.
	MaxAttempts int `yaml:"max_attempts"`

	// BaseRetryDelay seeds the exponential backoff.
	BaseRetryDelay time.Duration `yaml:"base_retry_delay"`

	// MaxRetryDelay caps the backoff regardless of attempt count.
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`

	// RateLimitDelayFactor multiplies the backoff for RATE_LIMIT errors.
	RateLimitDelayFactor int `yaml:"rate_limit_delay_factor"`

	// HistoryRingSize bounds the in-memory per-repo terminal-op ring.
	HistoryRingSize int `yaml:"history_ring_size"`
}

// CAAMConfig controls the credential-pool rotator.
type CAAMConfig struct {
	// CooldownMinutes maps provider → default cooldown applied on rate limit.
	CooldownMinutes map[string]int `yaml:"cooldown_minutes"`

	// MaxRetries is the default per-pool rotation retry budget.
	MaxRetries int `yaml:"max_retries"`
}

// HubConfig controls the pub/sub hub and event-log retention.
type HubConfig struct {
	// WriteTimeout bounds a single WebSocket send.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// SendQueueSize bounds the per-subscriber send queue; overflow
	// disconnects the slowest subscriber.
	SendQueueSize int `yaml:"send_queue_size"`

	// ReplayConcurrency caps concurrent replays per connection.
	ReplayConcurrency int `yaml:"replay_concurrency"`

	// ReplayPerMinute rate-limits replay requests per connection.
	ReplayPerMinute int `yaml:"replay_per_minute"`

	// Retention lists per-channel-pattern caps; first match wins.
	Retention []RetentionRule `yaml:"retention"`
}

// RetentionRule caps one channel pattern by count and age.
type RetentionRule struct {
	ChannelPattern string        `yaml:"channel_pattern"`
	MaxEvents      int           `yaml:"max_events"`
	MaxAge         time.Duration `yaml:"max_age"`
}

// DCGConfig controls the destructive-command guard.
type DCGConfig struct {
	// PacksDir optionally holds extra YAML pack files.
	PacksDir string `yaml:"packs_dir"`

	// RecentRingSize bounds the in-memory recent block-event ring.
	RecentRingSize int `yaml:"recent_ring_size"`

	// ExceptionTTL is the lifetime of a pending allow-once exception.
	ExceptionTTL time.Duration `yaml:"exception_ttl"`
}

// CleanupConfig controls retention sweeps.
type CleanupConfig struct {
	// Schedule is a cron expression for the sweep cadence.
	Schedule string `yaml:"schedule"`

	// SyncHistoryRetentionDays bounds persisted sync-op history.
	SyncHistoryRetentionDays int `yaml:"sync_history_retention_days"`
}

// CLIConfig controls sub-binary invocation.
type CLIConfig struct {
	// Timeout is the per-invocation deadline.
	Timeout time.Duration `yaml:"timeout"`

	// Binaries maps logical name → executable path override.
	Binaries map[string]string `yaml:"binaries"`
}

// Load reads gateway.yaml from configDir (if present), expands environment
// references, applies defaults for anything unset, and validates the result.
// A missing file yields the pure defaults.
func Load(configDir string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(configDir, "gateway.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(ExpandEnv(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the scheduler or hub cannot run with.
func (c *Config) Validate() error {
	if c.GitSync.MaxConcurrentOps < 1 {
		return fmt.Errorf("git_sync.max_concurrent_ops must be >= 1, got %d", c.GitSync.MaxConcurrentOps)
	}
	if c.GitSync.MaxAttempts < 1 {
		return fmt.Errorf("git_sync.max_attempts must be >= 1, got %d", c.GitSync.MaxAttempts)
	}
	if c.Hub.SendQueueSize < 1 {
		return fmt.Errorf("hub.send_queue_size must be >= 1, got %d", c.Hub.SendQueueSize)
	}
	for _, r := range c.Hub.Retention {
		if r.ChannelPattern == "" {
			return fmt.Errorf("hub.retention entries require a channel_pattern")
		}
	}
	for i, k := range c.Server.APIKeys {
		if k.Key == "" || k.UserID == "" {
			return fmt.Errorf("server.api_keys[%d] requires key and user_id", i)
		}
	}
	return nil
}
