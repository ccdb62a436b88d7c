package agentguard

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentguard-ai/agentguard/delegation"
	"github.com/agentguard-ai/agentguard/types"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 1024, cfg.MaxAgents)
	assert.Equal(t, 256, cfg.MaxResourceTypes)
	assert.Equal(t, 10000, cfg.MaxQueueSize)
	assert.Equal(t, 30*time.Second, cfg.DefaultRequestTimeout)
	assert.Equal(t, 10*time.Millisecond, cfg.ProcessorPollInterval)
	assert.Equal(t, 5*time.Second, cfg.SnapshotInterval)
	assert.True(t, cfg.EnableTimeoutExpiration)
	assert.True(t, cfg.ThreadSafe)

	assert.False(t, cfg.Progress.Enabled)
	assert.Equal(t, 2*time.Minute, cfg.Progress.DefaultStallThreshold)
	assert.False(t, cfg.Delegation.Enabled)
	assert.Equal(t, delegation.NotifyOnly, cfg.Delegation.CycleAction)
	assert.False(t, cfg.Adaptive.Enabled)
	assert.Equal(t, 0.95, cfg.Adaptive.DefaultConfidenceLevel)
	assert.Equal(t, 50, cfg.Adaptive.HistoryWindowSize)
	assert.Equal(t, types.DemandStatic, cfg.Adaptive.DefaultDemandMode)
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()

	assert.Equal(t, 1024, cfg.MaxAgents)
	assert.Equal(t, 10*time.Millisecond, cfg.ProcessorPollInterval)
	assert.Equal(t, 30*time.Second, cfg.DefaultRequestTimeout)
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("full file overlays defaults", func(t *testing.T) {
		path := writeConfigFile(t, `
max_agents: 64
max_queue_size: 128
default_request_timeout: 10s
processor_poll_interval: 2ms
snapshot_interval: 1s
enable_timeout_expiration: false
progress:
  enabled: true
  default_stall_threshold: 90s
  check_interval: 3s
  auto_release_on_stall: true
delegation:
  enabled: true
  cycle_action: cancel_latest
adaptive:
  enabled: true
  default_confidence_level: 0.99
  history_window_size: 10
  cold_start_headroom_factor: 3.0
  cold_start_default_demand: 2
  adaptive_headroom_factor: 2.0
  default_demand_mode: hybrid
`)
		cfg, err := LoadConfig(path)
		require.NoError(t, err)

		assert.Equal(t, 64, cfg.MaxAgents)
		assert.Equal(t, 256, cfg.MaxResourceTypes, "unset fields keep defaults")
		assert.Equal(t, 128, cfg.MaxQueueSize)
		assert.Equal(t, 10*time.Second, cfg.DefaultRequestTimeout)
		assert.Equal(t, 2*time.Millisecond, cfg.ProcessorPollInterval)
		assert.Equal(t, time.Second, cfg.SnapshotInterval)
		assert.False(t, cfg.EnableTimeoutExpiration)

		assert.True(t, cfg.Progress.Enabled)
		assert.Equal(t, 90*time.Second, cfg.Progress.DefaultStallThreshold)
		assert.Equal(t, 3*time.Second, cfg.Progress.CheckInterval)
		assert.True(t, cfg.Progress.AutoReleaseOnStall)

		assert.True(t, cfg.Delegation.Enabled)
		assert.Equal(t, delegation.CancelLatest, cfg.Delegation.CycleAction)

		assert.True(t, cfg.Adaptive.Enabled)
		assert.Equal(t, 0.99, cfg.Adaptive.DefaultConfidenceLevel)
		assert.Equal(t, 10, cfg.Adaptive.HistoryWindowSize)
		assert.Equal(t, 3.0, cfg.Adaptive.ColdStartHeadroomFactor)
		assert.Equal(t, types.Quantity(2), cfg.Adaptive.ColdStartDefaultDemand)
		assert.Equal(t, types.DemandHybrid, cfg.Adaptive.DefaultDemandMode)
	})

	t.Run("empty file yields defaults", func(t *testing.T) {
		cfg, err := LoadConfig(writeConfigFile(t, ""))
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("invalid duration", func(t *testing.T) {
		_, err := LoadConfig(writeConfigFile(t, "default_request_timeout: soon"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "default_request_timeout")
	})

	t.Run("invalid cycle action", func(t *testing.T) {
		_, err := LoadConfig(writeConfigFile(t, "delegation:\n  cycle_action: explode"))
		require.Error(t, err)
	})

	t.Run("invalid demand mode", func(t *testing.T) {
		_, err := LoadConfig(writeConfigFile(t, "adaptive:\n  default_demand_mode: psychic"))
		require.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})
}
