package agentguard

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentguard-ai/agentguard/delegation"
	"github.com/agentguard-ai/agentguard/estimator"
	"github.com/agentguard-ai/agentguard/progress"
	"github.com/agentguard-ai/agentguard/types"
)

// Config controls a Manager. The zero value is not usable directly; start
// from DefaultConfig or LoadConfig and override fields as needed. NewManager
// fills any zero-valued size or duration with its default.
type Config struct {
	// MaxAgents caps the number of simultaneously registered agents.
	MaxAgents int

	// MaxResourceTypes caps the number of registered resource types.
	MaxResourceTypes int

	// MaxQueueSize caps the pending-request queue.
	MaxQueueSize int

	// DefaultRequestTimeout applies to blocking requests that do not carry
	// their own timeout.
	DefaultRequestTimeout time.Duration

	// ProcessorPollInterval is the background processor's poll cadence and
	// the upper bound on one release-wait iteration.
	ProcessorPollInterval time.Duration

	// SnapshotInterval is the cadence of snapshot emissions to monitors.
	// Zero disables periodic snapshots.
	SnapshotInterval time.Duration

	// EnableTimeoutExpiration lets the background processor expire queued
	// requests whose deadline has passed.
	EnableTimeoutExpiration bool

	// StarvationThreshold is advisory: how long a request may reasonably
	// stay pending before the chosen policy should be reconsidered.
	StarvationThreshold time.Duration

	// ThreadSafe is accepted for configuration compatibility. Locking is
	// never disabled in this implementation; uncontended mutexes are cheap
	// and disabling them would defeat the race detector.
	ThreadSafe bool

	// Progress configures stall detection.
	Progress progress.Config

	// Delegation configures delegation-cycle tracking.
	Delegation delegation.Config

	// Adaptive configures demand estimation.
	Adaptive estimator.Config
}

// DefaultConfig returns the standard configuration.
func DefaultConfig() Config {
	return Config{
		MaxAgents:               1024,
		MaxResourceTypes:        256,
		MaxQueueSize:            10000,
		DefaultRequestTimeout:   30 * time.Second,
		ProcessorPollInterval:   10 * time.Millisecond,
		SnapshotInterval:        5 * time.Second,
		EnableTimeoutExpiration: true,
		StarvationThreshold:     time.Minute,
		ThreadSafe:              true,
		Progress:                progress.DefaultConfig(),
		Delegation:              delegation.DefaultConfig(),
		Adaptive:                estimator.DefaultConfig(),
	}
}

// withDefaults fills zero-valued sizes and durations.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxAgents <= 0 {
		c.MaxAgents = def.MaxAgents
	}
	if c.MaxResourceTypes <= 0 {
		c.MaxResourceTypes = def.MaxResourceTypes
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = def.MaxQueueSize
	}
	if c.DefaultRequestTimeout <= 0 {
		c.DefaultRequestTimeout = def.DefaultRequestTimeout
	}
	if c.ProcessorPollInterval <= 0 {
		c.ProcessorPollInterval = def.ProcessorPollInterval
	}
	return c
}

// fileConfig mirrors Config for YAML, with durations as Go duration strings
// (e.g. "30s", "10ms").
type fileConfig struct {
	MaxAgents               int    `yaml:"max_agents"`
	MaxResourceTypes        int    `yaml:"max_resource_types"`
	MaxQueueSize            int    `yaml:"max_queue_size"`
	DefaultRequestTimeout   string `yaml:"default_request_timeout"`
	ProcessorPollInterval   string `yaml:"processor_poll_interval"`
	SnapshotInterval        string `yaml:"snapshot_interval"`
	EnableTimeoutExpiration *bool  `yaml:"enable_timeout_expiration"`
	StarvationThreshold     string `yaml:"starvation_threshold"`
	ThreadSafe              *bool  `yaml:"thread_safe"`

	Progress struct {
		Enabled               bool   `yaml:"enabled"`
		DefaultStallThreshold string `yaml:"default_stall_threshold"`
		CheckInterval         string `yaml:"check_interval"`
		AutoReleaseOnStall    bool   `yaml:"auto_release_on_stall"`
	} `yaml:"progress"`

	Delegation struct {
		Enabled     bool   `yaml:"enabled"`
		CycleAction string `yaml:"cycle_action"`
	} `yaml:"delegation"`

	Adaptive struct {
		Enabled                 bool    `yaml:"enabled"`
		DefaultConfidenceLevel  float64 `yaml:"default_confidence_level"`
		HistoryWindowSize       int     `yaml:"history_window_size"`
		ColdStartHeadroomFactor float64 `yaml:"cold_start_headroom_factor"`
		ColdStartDefaultDemand  int64   `yaml:"cold_start_default_demand"`
		AdaptiveHeadroomFactor  float64 `yaml:"adaptive_headroom_factor"`
		DefaultDemandMode       string  `yaml:"default_demand_mode"`
	} `yaml:"adaptive"`
}

// LoadConfig reads a YAML configuration file and overlays it on
// DefaultConfig. Unset fields keep their defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg := DefaultConfig()

	if fc.MaxAgents > 0 {
		cfg.MaxAgents = fc.MaxAgents
	}
	if fc.MaxResourceTypes > 0 {
		cfg.MaxResourceTypes = fc.MaxResourceTypes
	}
	if fc.MaxQueueSize > 0 {
		cfg.MaxQueueSize = fc.MaxQueueSize
	}
	if err := overlayDuration(&cfg.DefaultRequestTimeout, fc.DefaultRequestTimeout, "default_request_timeout"); err != nil {
		return Config{}, err
	}
	if err := overlayDuration(&cfg.ProcessorPollInterval, fc.ProcessorPollInterval, "processor_poll_interval"); err != nil {
		return Config{}, err
	}
	if err := overlayDuration(&cfg.SnapshotInterval, fc.SnapshotInterval, "snapshot_interval"); err != nil {
		return Config{}, err
	}
	if fc.EnableTimeoutExpiration != nil {
		cfg.EnableTimeoutExpiration = *fc.EnableTimeoutExpiration
	}
	if err := overlayDuration(&cfg.StarvationThreshold, fc.StarvationThreshold, "starvation_threshold"); err != nil {
		return Config{}, err
	}
	if fc.ThreadSafe != nil {
		cfg.ThreadSafe = *fc.ThreadSafe
	}

	cfg.Progress.Enabled = fc.Progress.Enabled
	cfg.Progress.AutoReleaseOnStall = fc.Progress.AutoReleaseOnStall
	if err := overlayDuration(&cfg.Progress.DefaultStallThreshold, fc.Progress.DefaultStallThreshold, "progress.default_stall_threshold"); err != nil {
		return Config{}, err
	}
	if err := overlayDuration(&cfg.Progress.CheckInterval, fc.Progress.CheckInterval, "progress.check_interval"); err != nil {
		return Config{}, err
	}

	cfg.Delegation.Enabled = fc.Delegation.Enabled
	if fc.Delegation.CycleAction != "" {
		action := delegation.CycleAction(fc.Delegation.CycleAction)
		switch action {
		case delegation.NotifyOnly, delegation.RejectDelegation, delegation.CancelLatest:
			cfg.Delegation.CycleAction = action
		default:
			return Config{}, fmt.Errorf("invalid delegation.cycle_action: %q", fc.Delegation.CycleAction)
		}
	}

	cfg.Adaptive.Enabled = fc.Adaptive.Enabled
	if fc.Adaptive.DefaultConfidenceLevel > 0 {
		cfg.Adaptive.DefaultConfidenceLevel = fc.Adaptive.DefaultConfidenceLevel
	}
	if fc.Adaptive.HistoryWindowSize > 0 {
		cfg.Adaptive.HistoryWindowSize = fc.Adaptive.HistoryWindowSize
	}
	if fc.Adaptive.ColdStartHeadroomFactor > 0 {
		cfg.Adaptive.ColdStartHeadroomFactor = fc.Adaptive.ColdStartHeadroomFactor
	}
	if fc.Adaptive.ColdStartDefaultDemand > 0 {
		cfg.Adaptive.ColdStartDefaultDemand = types.Quantity(fc.Adaptive.ColdStartDefaultDemand)
	}
	if fc.Adaptive.AdaptiveHeadroomFactor > 0 {
		cfg.Adaptive.AdaptiveHeadroomFactor = fc.Adaptive.AdaptiveHeadroomFactor
	}
	if fc.Adaptive.DefaultDemandMode != "" {
		mode := types.DemandMode(fc.Adaptive.DefaultDemandMode)
		if !mode.IsValid() {
			return Config{}, fmt.Errorf("invalid adaptive.default_demand_mode: %q", fc.Adaptive.DefaultDemandMode)
		}
		cfg.Adaptive.DefaultDemandMode = mode
	}

	return cfg, nil
}

func overlayDuration(dst *time.Duration, raw, field string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", field, err)
	}
	*dst = d
	return nil
}
