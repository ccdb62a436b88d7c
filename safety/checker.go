// Package safety implements the Banker's Algorithm safety check at the core
// of the AgentGuard coordination engine.
//
// The Checker is a pure decision function: it never mutates shared state,
// never locks, and never fails. Given a consistent snapshot of totals,
// availabilities, per-agent allocations, and per-agent maximum needs, it
// decides whether the state is safe — that is, whether some serialization
// exists in which every agent can still acquire its remaining declared need
// and run to completion. The caller (the resource manager) is responsible
// for supplying a coherent snapshot.
package safety

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agentguard-ai/agentguard/types"
)

// Input is the allocation snapshot a safety check runs against.
type Input struct {
	// Total capacity per resource type.
	Total map[types.ResourceTypeID]types.Quantity

	// Currently available (unallocated) units per resource type.
	Available map[types.ResourceTypeID]types.Quantity

	// Current allocation per agent per resource type.
	Allocation map[types.AgentID]map[types.ResourceTypeID]types.Quantity

	// Declared (or estimated) maximum need per agent per resource type.
	MaxNeed map[types.AgentID]map[types.ResourceTypeID]types.Quantity
}

// Clone returns a deep copy of the input, suitable for building hypothetical
// states without touching the original.
func (in Input) Clone() Input {
	out := Input{
		Total:      make(map[types.ResourceTypeID]types.Quantity, len(in.Total)),
		Available:  make(map[types.ResourceTypeID]types.Quantity, len(in.Available)),
		Allocation: make(map[types.AgentID]map[types.ResourceTypeID]types.Quantity, len(in.Allocation)),
		MaxNeed:    make(map[types.AgentID]map[types.ResourceTypeID]types.Quantity, len(in.MaxNeed)),
	}
	for rt, q := range in.Total {
		out.Total[rt] = q
	}
	for rt, q := range in.Available {
		out.Available[rt] = q
	}
	for id, m := range in.Allocation {
		cp := make(map[types.ResourceTypeID]types.Quantity, len(m))
		for rt, q := range m {
			cp[rt] = q
		}
		out.Allocation[id] = cp
	}
	for id, m := range in.MaxNeed {
		cp := make(map[types.ResourceTypeID]types.Quantity, len(m))
		for rt, q := range m {
			cp[rt] = q
		}
		out.MaxNeed[id] = cp
	}
	return out
}

// Result is the outcome of a binary safety check.
type Result struct {
	// IsSafe reports whether a safe completion order exists.
	IsSafe bool

	// SafeSequence is a valid completion order when IsSafe is true. It is
	// a witness, not a canonical order.
	SafeSequence []types.AgentID

	// Reason is a human-readable explanation; on an unsafe result it lists
	// the blocked agent ids.
	Reason string
}

// ProbabilisticResult is the outcome of a safety check whose max-need values
// were populated from statistical estimates at a confidence level.
type ProbabilisticResult struct {
	IsSafe          bool
	ConfidenceLevel float64

	// MaxSafeConfidence echoes the confidence level on success and is 0 on
	// failure. A binary search across confidence levels is left to the
	// caller.
	MaxSafeConfidence float64

	SafeSequence []types.AgentID
	Reason       string

	// EstimatedMaxNeeds echoes the max-need map the check ran against, so
	// callers can inspect what estimates were used.
	EstimatedMaxNeeds map[types.AgentID]map[types.ResourceTypeID]types.Quantity
}

// Checker applies the Banker's Algorithm to allocation snapshots. The zero
// value is ready to use.
type Checker struct{}

// resourceTypes returns the sorted union of the Total and Available key sets.
func resourceTypes(in Input) []types.ResourceTypeID {
	seen := make(map[types.ResourceTypeID]struct{}, len(in.Total))
	for rt := range in.Total {
		seen[rt] = struct{}{}
	}
	for rt := range in.Available {
		seen[rt] = struct{}{}
	}
	out := make([]types.ResourceTypeID, 0, len(seen))
	for rt := range seen {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// agentIDs returns the sorted union of the MaxNeed and Allocation key sets.
// Sorting by id makes the scan order (and therefore the returned safe
// sequence) deterministic: ids are assigned monotonically, so id order is
// registration order.
func agentIDs(in Input) []types.AgentID {
	seen := make(map[types.AgentID]struct{}, len(in.MaxNeed))
	for id := range in.MaxNeed {
		seen[id] = struct{}{}
	}
	for id := range in.Allocation {
		seen[id] = struct{}{}
	}
	out := make([]types.AgentID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func remainingNeed(in Input, agent types.AgentID, rt types.ResourceTypeID) types.Quantity {
	return in.MaxNeed[agent][rt] - in.Allocation[agent][rt]
}

// canFinish reports whether the agent's remaining needs fit within work.
// Agents without a max-need entry default to need 0 and finish immediately.
func canFinish(in Input, agent types.AgentID, work map[types.ResourceTypeID]types.Quantity, rts []types.ResourceTypeID) bool {
	for _, rt := range rts {
		if remainingNeed(in, agent, rt) > work[rt] {
			return false
		}
	}
	return true
}

// CheckSafety runs the Banker's Algorithm against the input.
//
// The scan repeats up to N rounds (N = number of agents). Each round walks
// every unfinished agent in id order; any agent whose remaining need fits
// within the working availability is marked finished and its allocation is
// returned to the working pool. A round that finishes nobody means the
// remaining agents can never complete: the state is unsafe.
func (Checker) CheckSafety(in Input) Result {
	rts := resourceTypes(in)
	agents := agentIDs(in)

	if len(agents) == 0 {
		return Result{IsSafe: true, Reason: "no agents in the system"}
	}

	work := make(map[types.ResourceTypeID]types.Quantity, len(in.Available))
	for rt, q := range in.Available {
		work[rt] = q
	}

	finished := make(map[types.AgentID]bool, len(agents))
	sequence := make([]types.AgentID, 0, len(agents))

	for round := 0; round < len(agents); round++ {
		foundOne := false
		for _, id := range agents {
			if finished[id] {
				continue
			}
			if !canFinish(in, id, work, rts) {
				continue
			}
			// Simulate the agent completing and releasing everything.
			for _, rt := range rts {
				work[rt] += in.Allocation[id][rt]
			}
			finished[id] = true
			sequence = append(sequence, id)
			foundOne = true
		}

		if len(sequence) == len(agents) {
			break
		}
		if !foundOne {
			blocked := make([]string, 0, len(agents)-len(sequence))
			for _, id := range agents {
				if !finished[id] {
					blocked = append(blocked, fmt.Sprintf("%d", id))
				}
			}
			return Result{
				IsSafe: false,
				Reason: fmt.Sprintf("unsafe state: agents [%s] cannot complete with available resources",
					strings.Join(blocked, ", ")),
			}
		}
	}

	return Result{IsSafe: true, SafeSequence: sequence, Reason: "safe state found"}
}

// CheckHypothetical answers "if we granted this request, would the resulting
// state still be safe?". The input is not modified.
func (c Checker) CheckHypothetical(in Input, agent types.AgentID, rt types.ResourceTypeID, qty types.Quantity) Result {
	return c.CheckSafety(applyGrant(in.Clone(), agent, rt, qty))
}

// CheckHypotheticalBatch is CheckHypothetical for a set of simultaneous
// grants committed atomically.
func (c Checker) CheckHypotheticalBatch(in Input, requests []types.ResourceRequest) Result {
	hyp := in.Clone()
	for _, req := range requests {
		hyp = applyGrant(hyp, req.AgentID, req.ResourceType, req.Quantity)
	}
	return c.CheckSafety(hyp)
}

// FindGrantableRequests returns the ids of candidates whose individual
// hypothetical grant both fits within current availability and preserves
// safety. Candidates are evaluated independently; no transitive reservation
// is performed.
func (c Checker) FindGrantableRequests(in Input, candidates []types.ResourceRequest) []types.RequestID {
	grantable := make([]types.RequestID, 0, len(candidates))
	for _, req := range candidates {
		if in.Available[req.ResourceType] < req.Quantity {
			continue
		}
		if c.CheckHypothetical(in, req.AgentID, req.ResourceType, req.Quantity).IsSafe {
			grantable = append(grantable, req.ID)
		}
	}
	return grantable
}

// IdentifyBottleneckAgents scores every agent with a max-need entry by the
// average of remaining_need/available across all resources (a need with zero
// availability scores a very large penalty) and returns the ids sorted by
// score, biggest bottleneck first.
func (Checker) IdentifyBottleneckAgents(in Input) []types.AgentID {
	const starvedPenalty = 1000.0

	rts := resourceTypes(in)

	type agentScore struct {
		id    types.AgentID
		score float64
	}
	scores := make([]agentScore, 0, len(in.MaxNeed))

	ids := make([]types.AgentID, 0, len(in.MaxNeed))
	for id := range in.MaxNeed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		var totalRatio float64
		var counted int
		for _, rt := range rts {
			need := remainingNeed(in, id, rt)
			avail := in.Available[rt]
			switch {
			case avail > 0:
				totalRatio += float64(need) / float64(avail)
				counted++
			case need > 0:
				totalRatio += starvedPenalty
				counted++
			}
		}
		var avg float64
		if counted > 0 {
			avg = totalRatio / float64(counted)
		}
		scores = append(scores, agentScore{id: id, score: avg})
	}

	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })

	out := make([]types.AgentID, len(scores))
	for i, s := range scores {
		out[i] = s.id
	}
	return out
}

// CheckSafetyProbabilistic runs the binary check against an input whose
// max-need values were already populated from demand estimates at the given
// confidence level, and reports the confidence alongside the result.
func (c Checker) CheckSafetyProbabilistic(in Input, confidence float64) ProbabilisticResult {
	binary := c.CheckSafety(in)

	result := ProbabilisticResult{
		IsSafe:          binary.IsSafe,
		ConfidenceLevel: confidence,
		SafeSequence:    binary.SafeSequence,
		Reason:          binary.Reason,
	}
	if binary.IsSafe {
		result.MaxSafeConfidence = confidence
	}

	// Echo the max-need map so callers can inspect the estimates used.
	result.EstimatedMaxNeeds = make(map[types.AgentID]map[types.ResourceTypeID]types.Quantity, len(in.MaxNeed))
	for id, m := range in.MaxNeed {
		cp := make(map[types.ResourceTypeID]types.Quantity, len(m))
		for rt, q := range m {
			cp[rt] = q
		}
		result.EstimatedMaxNeeds[id] = cp
	}
	return result
}

// CheckHypotheticalProbabilistic is CheckHypothetical under estimated
// max-need values at the given confidence level.
func (c Checker) CheckHypotheticalProbabilistic(in Input, agent types.AgentID, rt types.ResourceTypeID, qty types.Quantity, confidence float64) ProbabilisticResult {
	return c.CheckSafetyProbabilistic(applyGrant(in.Clone(), agent, rt, qty), confidence)
}

// applyGrant mutates hyp in place to reflect the grant and returns it.
func applyGrant(hyp Input, agent types.AgentID, rt types.ResourceTypeID, qty types.Quantity) Input {
	hyp.Available[rt] -= qty
	alloc := hyp.Allocation[agent]
	if alloc == nil {
		alloc = make(map[types.ResourceTypeID]types.Quantity, 1)
		hyp.Allocation[agent] = alloc
	}
	alloc[rt] += qty
	return hyp
}
