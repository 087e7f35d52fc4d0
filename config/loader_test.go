package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 0.40, cfg.Allocation.SkillWeight)
	assert.Equal(t, 8*time.Hour, cfg.Allocation.CapacityWindow)
	assert.Equal(t, 0.85, cfg.Allocation.BalanceThreshold)
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Telemetry.Enabled)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  http_port: 9999
allocation:
  balance_threshold: 0.7
  rebalance_interval: 5m
messaging:
  escalation_targets:
    - ops-lead
store:
  type: redis
  redis:
    addr: redis.internal:6379
`), 0o644))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.Equal(t, 0.7, cfg.Allocation.BalanceThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Allocation.RebalanceInterval)
	assert.Equal(t, []string{"ops-lead"}, cfg.Messaging.EscalationTargets)
	assert.Equal(t, "redis", cfg.Store.Type)
	assert.Equal(t, "redis.internal:6379", cfg.Store.Redis.Addr)
	// Untouched sections keep defaults.
	assert.Equal(t, 0.40, cfg.Allocation.SkillWeight)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/config.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o644))

	_, err := NewLoader().WithConfigPath(path).Load()
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGENTCOORD_SERVER_HTTP_PORT", "7777")
	t.Setenv("AGENTCOORD_ALLOCATION_CAPACITY_WINDOW", "4h")
	t.Setenv("AGENTCOORD_CONSENSUS_MIN_PARTICIPATION", "0.75")
	t.Setenv("AGENTCOORD_TELEMETRY_ENABLED", "true")
	t.Setenv("AGENTCOORD_MESSAGING_ESCALATION_TARGETS", "ops-lead, arbiter")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.HTTPPort)
	assert.Equal(t, 4*time.Hour, cfg.Allocation.CapacityWindow)
	assert.Equal(t, 0.75, cfg.Consensus.MinParticipation)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, []string{"ops-lead", "arbiter"}, cfg.Messaging.EscalationTargets)
}

func TestEnvPrefixOverride(t *testing.T) {
	t.Setenv("COORD_SERVER_HTTP_PORT", "6666")

	cfg, err := NewLoader().WithEnvPrefix("COORD").Load()
	require.NoError(t, err)
	assert.Equal(t, 6666, cfg.Server.HTTPPort)
}

func TestValidatorHook(t *testing.T) {
	wantErr := errors.New("threshold too low for production")
	_, err := NewLoader().
		WithValidator(func(c *Config) error {
			if c.Consensus.ConsensusThreshold < 0.9 {
				return wantErr
			}
			return nil
		}).
		Load()
	assert.ErrorIs(t, err, wantErr)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Allocation.SkillWeight = 0.9 // weights no longer sum to 1
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Server.HTTPPort = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Store.Type = "mongodb"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Voting.ApprovalThreshold = 1.5
	assert.Error(t, cfg.Validate())
}
