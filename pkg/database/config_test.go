package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfigFromEnvDefaults(t *testing.T) {
	t.Setenv("DB_FILE_NAME", "")
	t.Setenv("DB_AUTO_MIGRATE", "")
	t.Setenv("DB_SLOW_QUERY_MS", "")

	cfg := LoadConfigFromEnv()
	assert.Equal(t, "agentgw.db", cfg.Path)
	assert.False(t, cfg.AutoMigrate)
	assert.Equal(t, 200*time.Millisecond, cfg.SlowQueryThreshold)
}

func TestLoadConfigFromEnvAutoMigrateSpellings(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"1", true},
		{"true", true},
		{"0", false},
		{"false", false},
		{"yes", false},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("DB_AUTO_MIGRATE", tt.value)
			assert.Equal(t, tt.want, LoadConfigFromEnv().AutoMigrate)
		})
	}
}

func TestLoadConfigFromEnvOverrides(t *testing.T) {
	t.Setenv("DB_FILE_NAME", "/var/lib/gateway/gw.db")
	t.Setenv("DB_SLOW_QUERY_MS", "750")

	cfg := LoadConfigFromEnv()
	assert.Equal(t, "/var/lib/gateway/gw.db", cfg.Path)
	assert.Equal(t, 750*time.Millisecond, cfg.SlowQueryThreshold)
}

func TestLoadConfigFromEnvBadSlowQueryFallsBack(t *testing.T) {
	for _, v := range []string{"abc", "-5", "0"} {
		t.Setenv("DB_SLOW_QUERY_MS", v)
		assert.Equal(t, 200*time.Millisecond, LoadConfigFromEnv().SlowQueryThreshold)
	}
}
