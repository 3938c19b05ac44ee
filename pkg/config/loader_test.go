package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "execore.yaml"), []byte(content), 0o600))
	return dir
}

func TestInitializeMissingFile(t *testing.T) {
	_, err := Initialize(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestInitializeEmptyFileUsesDefaults(t *testing.T) {
	dir := writeConfig(t, "")

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.ConfigDir())
	assert.Equal(t, 3, cfg.Queue.WorkerCount)
	assert.Equal(t, 1, cfg.Queue.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.Queue.PollInterval())
	assert.Equal(t, 300, cfg.Queue.VisibilityTimeoutSeconds)
	assert.Equal(t, 60, cfg.Queue.LeaseRenewalIntervalSeconds)
	assert.Equal(t, 300, cfg.Locks.LeaseDurationSeconds)
	assert.Equal(t, 30, cfg.Locks.HeartbeatIntervalSeconds)
	assert.Equal(t, 600, cfg.Locks.StaleThresholdSeconds)
	assert.Equal(t, 30, cfg.Engine.CleanupTimeoutSeconds)
	assert.InDelta(t, 0.10, cfg.Engine.TimeoutBufferFraction, 1e-9)
	assert.Equal(t, 24*time.Hour, cfg.Dedup.Window())
	assert.True(t, cfg.RBAC.Strict)
	assert.True(t, cfg.Masking.Enabled)
	assert.Equal(t, "security", cfg.Masking.PatternGroup)
	assert.Equal(t, 2, cfg.SLA.MaxAttemptsFor("fast"))
	assert.Equal(t, 3, cfg.SLA.MaxAttemptsFor("medium"))
	assert.Equal(t, 5, cfg.SLA.MaxAttemptsFor("long"))
	assert.Equal(t, "env", cfg.Secrets.Provider)
}

func TestInitializeUserOverridesMergeOverDefaults(t *testing.T) {
	dir := writeConfig(t, `
queue:
  worker_count: 8
  poll_interval_seconds: 2
locks:
  lease_duration_seconds: 120
  stale_lock_threshold_seconds: 240
sla:
  max_attempts:
    fast: 4
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Queue.WorkerCount)
	assert.Equal(t, 2*time.Second, cfg.Queue.PollInterval())
	// Unset fields keep their defaults.
	assert.Equal(t, 1, cfg.Queue.BatchSize)
	assert.Equal(t, 300, cfg.Queue.VisibilityTimeoutSeconds)
	assert.Equal(t, 120, cfg.Locks.LeaseDurationSeconds)
	assert.Equal(t, 30, cfg.Locks.HeartbeatIntervalSeconds)
	assert.Equal(t, 4, cfg.SLA.MaxAttemptsFor("fast"))
	assert.Equal(t, 3, cfg.SLA.MaxAttemptsFor("medium"))
}

func TestInitializeExplicitFalseBooleans(t *testing.T) {
	dir := writeConfig(t, `
rbac:
  strict: false
masking:
  enabled: false
  pattern_group: all
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.False(t, cfg.RBAC.Strict, "explicit strict: false must override the default")
	assert.False(t, cfg.Masking.Enabled, "explicit enabled: false must override the default")
	assert.Equal(t, "all", cfg.Masking.PatternGroup)
}

func TestInitializeExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_ASSET_URL", "http://assets.test:9090")
	dir := writeConfig(t, `
assets:
  base_url: {{.TEST_ASSET_URL}}
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, "http://assets.test:9090", cfg.Assets.BaseURL)
}

func TestInitializeRBACRules(t *testing.T) {
	dir := writeConfig(t, `
rbac:
  rules:
    - actor: "deploy-bot"
      tenant: "*"
      action: write
      effect: allow
    - actor: "*"
      environment: prod
      action: complex
      effect: deny
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	require.Len(t, cfg.RBAC.Rules, 2)
	assert.Equal(t, "deploy-bot", cfg.RBAC.Rules[0].Actor)
	assert.Equal(t, "allow", cfg.RBAC.Rules[0].Effect)
	assert.Equal(t, "deny", cfg.RBAC.Rules[1].Effect)
}

func TestInitializeInvalidYAML(t *testing.T) {
	dir := writeConfig(t, "queue:\n  worker_count: [not a number\n")

	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestInitializeValidationFailure(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{
			name:    "renewal interval not below visibility timeout",
			content: "queue:\n  visibility_timeout_seconds: 60\n  lease_renewal_interval_seconds: 60\n",
			errMsg:  "lease_renewal_interval_seconds",
		},
		{
			name:    "heartbeat not below lease duration",
			content: "locks:\n  lease_duration_seconds: 30\n  heartbeat_interval_seconds: 30\n  stale_lock_threshold_seconds: 60\n",
			errMsg:  "heartbeat_interval_seconds",
		},
		{
			name:    "buffer out of range",
			content: "engine:\n  execution_timeout_buffer_fraction: 1.5\n",
			errMsg:  "execution_timeout_buffer_fraction",
		},
		{
			name:    "bad rbac effect",
			content: "rbac:\n  rules:\n    - actor: x\n      effect: maybe\n",
			errMsg:  "effect",
		},
		{
			name:    "bad secrets provider",
			content: "secrets:\n  provider: vault\n",
			errMsg:  "provider",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeConfig(t, tt.content)
			_, err := Initialize(context.Background(), dir)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
