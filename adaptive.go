package agentguard

import (
	"context"
	"fmt"

	"github.com/agentguard-ai/agentguard/monitor"
	"github.com/agentguard-ai/agentguard/safety"
	"github.com/agentguard-ai/agentguard/types"
)

// SetAgentDemandMode selects where the agent's max-need values come from
// during safety evaluation: declared (static), estimated (adaptive), or the
// minimum of both (hybrid).
func (m *Manager) SetAgentDemandMode(id types.AgentID, mode types.DemandMode) error {
	if !mode.IsValid() {
		return NewValidationError("Manager.SetAgentDemandMode",
			fmt.Errorf("invalid demand mode %q", mode))
	}
	m.estimator.SetAgentDemandMode(id, mode)
	m.emit(monitor.NewEvent(monitor.EventAdaptiveDemandModeChanged,
		fmt.Sprintf("demand mode changed to %s", mode)).WithAgent(id))
	return nil
}

// CheckSafetyProbabilistic runs the safety check with max-need values built
// from demand estimates. Without an argument the configured default
// confidence level applies.
func (m *Manager) CheckSafetyProbabilistic(confidence ...float64) safety.ProbabilisticResult {
	level := m.cfg.Adaptive.DefaultConfidenceLevel
	if len(confidence) > 0 {
		level = confidence[0]
	}

	m.mu.RLock()
	input := m.buildAdaptiveSafetyInputLocked(level)
	m.mu.RUnlock()

	return m.checker.CheckSafetyProbabilistic(input, level)
}

// RequestResourcesAdaptive is RequestResources for agents that cannot
// declare their needs upfront. The safety evaluation runs against max-need
// values assembled per agent demand mode at the configured confidence level,
// and the static max-claim precondition only applies to agents still in
// static mode.
func (m *Manager) RequestResourcesAdaptive(ctx context.Context, agentID types.AgentID, rt types.ResourceTypeID, qty types.Quantity, opts ...RequestOption) (types.RequestStatus, error) {
	const op = "Manager.RequestResourcesAdaptive"

	ctx, end := m.startSpan(ctx, "agentguard.RequestResourcesAdaptive", agentID, rt, qty)
	defer end()

	checkMaxClaim := m.estimator.AgentDemandMode(agentID) == types.DemandStatic
	if err := m.validateRequest(op, agentID, rt, qty, checkMaxClaim); err != nil {
		return types.StatusDenied, err
	}

	m.emit(monitor.NewEvent(monitor.EventRequestSubmitted, "adaptive request submitted").
		WithAgent(agentID).WithResource(rt).WithQuantity(qty))

	m.estimator.RecordRequest(agentID, rt, qty)
	m.emit(monitor.NewEvent(monitor.EventDemandEstimateUpdated, "demand observation recorded").
		WithAgent(agentID).WithResource(rt).WithQuantity(qty))

	ro := resolveRequestOptions(opts)
	timeout := m.cfg.DefaultRequestTimeout
	if ro.hasTimeout {
		timeout = ro.timeout
	}

	return m.grantLoop(ctx, agentID, rt, qty, timeout, true)
}

// buildAdaptiveSafetyInputLocked assembles a safety-check input whose
// max-need values follow each agent's demand mode:
//
//   - static: declared max needs verbatim
//   - adaptive: estimator output
//   - hybrid: declared, overridden per resource by min(estimated, declared)
//     where an estimate exists (estimated alone where nothing was declared)
//
// The adaptive and hybrid modes then lift max need to at least the current
// allocation, so that remaining need is never negative; static mode keeps
// the declared values unchanged.
//
// Caller must hold m.mu (shared or exclusive).
func (m *Manager) buildAdaptiveSafetyInputLocked(confidence float64) safety.Input {
	input := safety.Input{
		Total:      make(map[types.ResourceTypeID]types.Quantity, len(m.resources)),
		Available:  make(map[types.ResourceTypeID]types.Quantity, len(m.resources)),
		Allocation: make(map[types.AgentID]map[types.ResourceTypeID]types.Quantity, len(m.agents)),
		MaxNeed:    make(map[types.AgentID]map[types.ResourceTypeID]types.Quantity, len(m.agents)),
	}
	for id, res := range m.resources {
		input.Total[id] = res.TotalCapacity
		input.Available[id] = res.Available()
	}

	estimated := m.estimator.EstimateAllMaxNeeds(confidence)

	for id, ag := range m.agents {
		alloc := make(map[types.ResourceTypeID]types.Quantity, len(ag.Allocation))
		for rt, q := range ag.Allocation {
			alloc[rt] = q
		}
		input.Allocation[id] = alloc

		need := make(map[types.ResourceTypeID]types.Quantity, len(ag.MaxNeeds))

		switch m.estimator.AgentDemandMode(id) {
		case types.DemandAdaptive:
			for rt, q := range estimated[id] {
				need[rt] = q
			}
		case types.DemandHybrid:
			for rt, q := range ag.MaxNeeds {
				need[rt] = q
			}
			for rt, est := range estimated[id] {
				if declared, ok := ag.MaxNeeds[rt]; ok {
					if est < declared {
						need[rt] = est
					} else {
						need[rt] = declared
					}
				} else {
					need[rt] = est
				}
			}
		default: // static
			for rt, q := range ag.MaxNeeds {
				need[rt] = q
			}
		}

		if m.estimator.AgentDemandMode(id) != types.DemandStatic {
			for rt, held := range alloc {
				if need[rt] < held {
					need[rt] = held
				}
			}
		}

		input.MaxNeed[id] = need
	}

	return input
}

// AgentDemandMode returns the agent's effective demand mode.
func (m *Manager) AgentDemandMode(id types.AgentID) types.DemandMode {
	return m.estimator.AgentDemandMode(id)
}

// EstimateMaxNeed exposes the estimator's max-need estimate for one
// (agent, resource) pair at the given confidence level.
func (m *Manager) EstimateMaxNeed(agentID types.AgentID, rt types.ResourceTypeID, confidence float64) types.Quantity {
	return m.estimator.EstimateMaxNeed(agentID, rt, confidence)
}

// UsageStats returns a copy of the recorded usage statistics for one
// (agent, resource) pair.
func (m *Manager) UsageStats(agentID types.AgentID, rt types.ResourceTypeID) (UsageStatsView, bool) {
	s, ok := m.estimator.Stats(agentID, rt)
	if !ok {
		return UsageStatsView{}, false
	}
	return UsageStatsView{
		Count:            s.Count,
		Mean:             s.Mean(),
		StdDev:           s.StdDev(),
		MaxSingleRequest: s.MaxSingleRequest,
		MaxCumulative:    s.MaxCumulative,
	}, true
}

// UsageStatsView is the read-only summary of demand observations exposed by
// the manager.
type UsageStatsView struct {
	Count            uint64
	Mean             float64
	StdDev           float64
	MaxSingleRequest types.Quantity
	MaxCumulative    types.Quantity
}
