package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.GitSync.MaxConcurrentOps)
	assert.Equal(t, 60, cfg.CAAM.CooldownMinutes["claude"])
	assert.Equal(t, 30, cfg.CAAM.CooldownMinutes["codex"])
	assert.Equal(t, 15, cfg.CAAM.CooldownMinutes["gemini"])
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  port: "9090"
git_sync:
  max_concurrent_ops: 5
hub:
  write_timeout: 3s
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gateway.yaml"), []byte(yaml), 0o600))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 5, cfg.GitSync.MaxConcurrentOps)
	assert.Equal(t, 3*time.Second, cfg.Hub.WriteTimeout)
	// Untouched sections keep defaults.
	assert.Equal(t, 3, cfg.GitSync.MaxAttempts)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	yaml := `
git_sync:
  max_concurrent_ops: 0
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gateway.yaml"), []byte(yaml), 0o600))

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent_ops")
}

func TestExpandEnvSubstitutesVariables(t *testing.T) {
	t.Setenv("GW_TEST_PORT", "7777")

	out := ExpandEnv([]byte(`port: "{{.GW_TEST_PORT}}"`))
	assert.Equal(t, `port: "7777"`, string(out))
}

func TestExpandEnvLeavesDollarAlone(t *testing.T) {
	in := []byte(`pattern: "^secret.*$"`)
	assert.Equal(t, in, ExpandEnv(in))
}

func TestExpandEnvMissingVariableExpandsEmpty(t *testing.T) {
	out := ExpandEnv([]byte(`key: "{{.GW_DOES_NOT_EXIST_XYZ}}"`))
	assert.Equal(t, `key: ""`, string(out))
}
