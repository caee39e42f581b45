package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default("/work/agent")

	assert.Equal(t, "/work/agent", cfg.ProjectRoot)
	assert.Equal(t, filepath.Join("/work/agent", ".metamorph"), cfg.StateDir)
	assert.Equal(t, 30, cfg.BackupRetentionDays)
	assert.False(t, cfg.Policy.AutoApprove)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 5*time.Second, cfg.ApplyTimeoutDuration())
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	root := t.TempDir()
	cfg, err := Load(filepath.Join(root, "nope.yaml"), root)
	require.NoError(t, err)
	assert.Equal(t, root, cfg.ProjectRoot)
	assert.Equal(t, filepath.Join(root, ".metamorph"), cfg.StateDir)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "config.yaml")
	data := `
backup_retention_days: 7
apply_timeout: 10s
policy:
  auto_approve: true
  auto_approve_max_risk: low
  auto_approve_min_score: 0.8
  auto_reject_invalid: true
logging:
  level: debug
  json: true
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path, root)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.BackupRetentionDays)
	assert.Equal(t, 10*time.Second, cfg.ApplyTimeoutDuration())
	assert.True(t, cfg.Policy.AutoApprove)
	assert.True(t, cfg.Policy.AutoRejectInvalid)
	assert.InDelta(t, 0.8, cfg.Policy.AutoApproveMinScore, 1e-9)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.JSON)
	// Unset fields keep their defaults.
	assert.Equal(t, root, cfg.ProjectRoot)
}

func TestLoad_EnvOverrides(t *testing.T) {
	root := t.TempDir()
	t.Setenv("METAMORPH_STATE_DIR", "/var/lib/metamorph")
	t.Setenv("METAMORPH_LOG_LEVEL", "warn")

	cfg, err := Load(filepath.Join(root, "nope.yaml"), root)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/metamorph", cfg.StateDir)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_MalformedYAML(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(":\n  - not yaml"), 0644))

	_, err := Load(path, root)
	assert.Error(t, err)
}

func TestApplyTimeoutDuration_Fallback(t *testing.T) {
	cfg := Default("/x")
	cfg.ApplyTimeout = "garbage"
	assert.Equal(t, 5*time.Second, cfg.ApplyTimeoutDuration())

	cfg.ApplyTimeout = "-3s"
	assert.Equal(t, 5*time.Second, cfg.ApplyTimeoutDuration())
}

func TestStatePaths(t *testing.T) {
	cfg := Default("/work/agent")
	assert.Equal(t, filepath.Join(cfg.StateDir, "queue.json"), cfg.QueuePath())
	assert.Equal(t, filepath.Join(cfg.StateDir, "health.json"), cfg.HealthPath())
	assert.Equal(t, filepath.Join(cfg.StateDir, "audit.db"), cfg.AuditPath())
}
