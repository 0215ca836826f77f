package config

import "time"

// Default returns the built-in configuration. Every section is usable
// without a config file; YAML overrides merge on top.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			ShutdownTimeout: 5 * time.Second,
		},
		GitSync: GitSyncConfig{
			MaxConcurrentOps:     3,
			MaxAttempts:          3,
			BaseRetryDelay:       2 * time.Second,
			MaxRetryDelay:        5 * time.Minute,
			RateLimitDelayFactor: 4,
			HistoryRingSize:      100,
		},
		CAAM: CAAMConfig{
			CooldownMinutes: map[string]int{
				"claude": 60,
				"codex":  30,
				"gemini": 15,
			},
			MaxRetries: 3,
		},
		Hub: HubConfig{
			WriteTimeout:      10 * time.Second,
			SendQueueSize:     256,
			ReplayConcurrency: 2,
			ReplayPerMinute:   30,
			Retention: []RetentionRule{
				{ChannelPattern: "agent:output:*", MaxEvents: 2000, MaxAge: 24 * time.Hour},
				{ChannelPattern: "agent:*", MaxEvents: 1000, MaxAge: 24 * time.Hour},
				{ChannelPattern: "workspace:*", MaxEvents: 1000, MaxAge: 7 * 24 * time.Hour},
				{ChannelPattern: "user:*", MaxEvents: 500, MaxAge: 7 * 24 * time.Hour},
				{ChannelPattern: "system:*", MaxEvents: 5000, MaxAge: 30 * 24 * time.Hour},
			},
		},
		DCG: DCGConfig{
			RecentRingSize: 100,
			ExceptionTTL:   10 * time.Minute,
		},
		Cleanup: CleanupConfig{
			Schedule:                 "@every 5m",
			SyncHistoryRetentionDays: 30,
		},
		CLI: CLIConfig{
			Timeout: 60 * time.Second,
		},
	}
}
