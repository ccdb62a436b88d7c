// Package estimator maintains per-(agent, resource) usage statistics and
// produces confidence-level estimates of maximum need. The estimates let the
// resource manager run a probabilistic safety check for agents that cannot
// declare their needs upfront.
package estimator

import (
	"math"
	"sync"

	"github.com/agentguard-ai/agentguard/types"
)

// Config controls adaptive demand estimation.
type Config struct {
	// Enabled records whether the deployment uses adaptive estimation.
	// The estimator always collects observations; the flag is configuration
	// surface for callers deciding which request path to use.
	Enabled bool `yaml:"enabled"`

	// DefaultConfidenceLevel is the confidence used when a caller does not
	// supply one. Estimates inflate the observed mean by the standard
	// normal quantile of this level.
	DefaultConfidenceLevel float64 `yaml:"default_confidence_level"`

	// HistoryWindowSize is the length of the per-stat circular buffer of
	// recent request observations.
	HistoryWindowSize int `yaml:"history_window_size"`

	// ColdStartHeadroomFactor multiplies the single observed request when
	// exactly one observation exists.
	ColdStartHeadroomFactor float64 `yaml:"cold_start_headroom_factor"`

	// ColdStartDefaultDemand is returned when no observations exist.
	ColdStartDefaultDemand types.Quantity `yaml:"cold_start_default_demand"`

	// AdaptiveHeadroomFactor multiplies the observed cumulative high-water
	// mark to cap estimates.
	AdaptiveHeadroomFactor float64 `yaml:"adaptive_headroom_factor"`

	// DefaultDemandMode applies to agents with no explicit mode.
	DefaultDemandMode types.DemandMode `yaml:"default_demand_mode"`
}

// DefaultConfig returns the estimation defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:                 false,
		DefaultConfidenceLevel:  0.95,
		HistoryWindowSize:       50,
		ColdStartHeadroomFactor: 2.0,
		ColdStartDefaultDemand:  1,
		AdaptiveHeadroomFactor:  1.5,
		DefaultDemandMode:       types.DemandStatic,
	}
}

// UsageStats summarizes the observed demand of one agent on one resource.
type UsageStats struct {
	// Count is the total number of request observations recorded.
	Count uint64

	// Sum and SumSq are running aggregates over all observations.
	Sum   float64
	SumSq float64

	// MaxSingleRequest is the largest single request observed.
	MaxSingleRequest types.Quantity

	// MaxCumulative is the high-water mark of concurrent holdings.
	MaxCumulative types.Quantity

	// Window holds the most recent observations as a circular buffer.
	Window      []types.Quantity
	WindowHead  int
	WindowCount int
}

// Mean returns the average observed request size.
func (s UsageStats) Mean() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / float64(s.Count)
}

// Variance returns the sample variance, clamped at zero to absorb
// floating-point imprecision.
func (s UsageStats) Variance() float64 {
	if s.Count < 2 {
		return 0
	}
	n := float64(s.Count)
	v := (s.SumSq - (s.Sum*s.Sum)/n) / (n - 1)
	if v < 0 {
		return 0
	}
	return v
}

// StdDev returns the sample standard deviation.
func (s UsageStats) StdDev() float64 {
	return math.Sqrt(s.Variance())
}

// Estimator records demand observations and produces max-need estimates.
// All methods are safe for concurrent use.
type Estimator struct {
	mu    sync.Mutex
	cfg   Config
	stats map[types.AgentID]map[types.ResourceTypeID]*UsageStats
	modes map[types.AgentID]types.DemandMode
}

// New returns an estimator with the given configuration.
func New(cfg Config) *Estimator {
	if cfg.HistoryWindowSize <= 0 {
		cfg.HistoryWindowSize = DefaultConfig().HistoryWindowSize
	}
	return &Estimator{
		cfg:   cfg,
		stats: make(map[types.AgentID]map[types.ResourceTypeID]*UsageStats),
		modes: make(map[types.AgentID]types.DemandMode),
	}
}

// Config returns the estimator's configuration.
func (e *Estimator) Config() Config {
	return e.cfg
}

// RecordRequest ingests one request observation.
func (e *Estimator) RecordRequest(agent types.AgentID, resource types.ResourceTypeID, qty types.Quantity) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.statsLocked(agent, resource)
	if s.Window == nil {
		s.Window = make([]types.Quantity, e.cfg.HistoryWindowSize)
	}

	s.Count++
	s.Sum += float64(qty)
	s.SumSq += float64(qty) * float64(qty)
	if qty > s.MaxSingleRequest {
		s.MaxSingleRequest = qty
	}

	s.Window[s.WindowHead] = qty
	s.WindowHead = (s.WindowHead + 1) % len(s.Window)
	if s.WindowCount < len(s.Window) {
		s.WindowCount++
	}
}

// RecordAllocationLevel updates the high-water mark of the agent's concurrent
// holdings on the resource.
func (e *Estimator) RecordAllocationLevel(agent types.AgentID, resource types.ResourceTypeID, total types.Quantity) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.statsLocked(agent, resource)
	if total > s.MaxCumulative {
		s.MaxCumulative = total
	}
}

// ClearAgent drops every statistic and the demand mode for the agent.
func (e *Estimator) ClearAgent(agent types.AgentID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.stats, agent)
	delete(e.modes, agent)
}

// EstimateMaxNeed returns the estimated maximum need of the agent on the
// resource at the given confidence level.
//
// With no observations it returns the configured cold-start default. With a
// single observation it returns that observation scaled by the cold-start
// headroom factor. Otherwise it computes mean + k*stddev where k is the
// standard normal quantile of the confidence level, floors the estimate at
// the largest single request seen, and caps it at the cumulative high-water
// mark scaled by the adaptive headroom factor.
func (e *Estimator) EstimateMaxNeed(agent types.AgentID, resource types.ResourceTypeID, confidence float64) types.Quantity {
	e.mu.Lock()
	defer e.mu.Unlock()

	byResource, ok := e.stats[agent]
	if !ok {
		return e.cfg.ColdStartDefaultDemand
	}
	s, ok := byResource[resource]
	if !ok {
		return e.cfg.ColdStartDefaultDemand
	}
	return e.estimateLocked(s, confidence)
}

// EstimateAllMaxNeeds returns estimates for every recorded (agent, resource)
// pair at the given confidence level.
func (e *Estimator) EstimateAllMaxNeeds(confidence float64) map[types.AgentID]map[types.ResourceTypeID]types.Quantity {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[types.AgentID]map[types.ResourceTypeID]types.Quantity, len(e.stats))
	for agent, byResource := range e.stats {
		m := make(map[types.ResourceTypeID]types.Quantity, len(byResource))
		for resource, s := range byResource {
			m[resource] = e.estimateLocked(s, confidence)
		}
		out[agent] = m
	}
	return out
}

// SetAgentDemandMode sets the agent's demand mode.
func (e *Estimator) SetAgentDemandMode(agent types.AgentID, mode types.DemandMode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.modes[agent] = mode
}

// AgentDemandMode returns the agent's demand mode, falling back to the
// configured default.
func (e *Estimator) AgentDemandMode(agent types.AgentID) types.DemandMode {
	e.mu.Lock()
	defer e.mu.Unlock()

	if mode, ok := e.modes[agent]; ok {
		return mode
	}
	return e.cfg.DefaultDemandMode
}

// Stats returns a copy of the usage statistics for one (agent, resource)
// pair, and whether any exist.
func (e *Estimator) Stats(agent types.AgentID, resource types.ResourceTypeID) (UsageStats, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	byResource, ok := e.stats[agent]
	if !ok {
		return UsageStats{}, false
	}
	s, ok := byResource[resource]
	if !ok {
		return UsageStats{}, false
	}

	out := *s
	out.Window = make([]types.Quantity, len(s.Window))
	copy(out.Window, s.Window)
	return out, true
}

func (e *Estimator) statsLocked(agent types.AgentID, resource types.ResourceTypeID) *UsageStats {
	byResource, ok := e.stats[agent]
	if !ok {
		byResource = make(map[types.ResourceTypeID]*UsageStats)
		e.stats[agent] = byResource
	}
	s, ok := byResource[resource]
	if !ok {
		s = &UsageStats{}
		byResource[resource] = s
	}
	return s
}

func (e *Estimator) estimateLocked(s *UsageStats, confidence float64) types.Quantity {
	if s.Count == 0 {
		return e.cfg.ColdStartDefaultDemand
	}

	if s.Count == 1 {
		raw := float64(s.MaxSingleRequest) * e.cfg.ColdStartHeadroomFactor
		result := types.Quantity(math.Ceil(raw))
		if result < 1 {
			return 1
		}
		return result
	}

	k := confidenceToK(confidence)
	estimated := s.Mean() + k*s.StdDev()

	// Never estimate below the largest single request seen.
	if floor := float64(s.MaxSingleRequest); estimated < floor {
		estimated = floor
	}

	// With cumulative data, cap at the high-water mark plus headroom.
	if s.MaxCumulative > 0 {
		limit := float64(s.MaxCumulative) * e.cfg.AdaptiveHeadroomFactor
		if estimated > limit {
			estimated = limit
		}
	}

	result := types.Quantity(math.Ceil(estimated))
	if result < 1 {
		return 1
	}
	return result
}

// confidenceToK converts a confidence level to the standard normal quantile
// via the Abramowitz-Stegun 26.2.23 (Hastings) rational approximation, whose
// absolute error is below 4.5e-4; it is not the Beasley-Springer-Moro
// algorithm. The approximation is numerically sufficient for confidences in
// [0.5, 0.9999]; levels at or below 0.5 clamp to 0 and levels at or above
// 0.9999 clamp to 3.719.
func confidenceToK(confidence float64) float64 {
	if confidence <= 0.5 {
		return 0
	}
	if confidence >= 0.9999 {
		return 3.719
	}

	t := math.Sqrt(-2 * math.Log(1-confidence))
	const (
		c0 = 2.515517
		c1 = 0.802853
		c2 = 0.010328
		d1 = 1.432788
		d2 = 0.189269
		d3 = 0.001308
	)
	return t - (c0+c1*t+c2*t*t)/(1+d1*t+d2*t*t+d3*t*t*t)
}
