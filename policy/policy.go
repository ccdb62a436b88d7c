// Package policy provides the pluggable scheduling strategies the resource
// manager's background processor uses to order pending requests before
// attempting grants.
//
// A policy only proposes an order; the safety checker has the final say on
// every grant, and vetoed candidates simply stay queued for the next pass.
// All policies are stateless and safe for concurrent use, and every ordering
// is stable within its key so equal requests keep their FIFO relationship.
package policy

import (
	"sort"

	"github.com/agentguard-ai/agentguard/types"
)

// Policy reorders pending requests for the grant loop.
type Policy interface {
	// Name identifies the policy in logs and diagnostics.
	Name() string

	// Prioritize returns a reordering of pending. The input slice is not
	// modified; the snapshot provides the allocation context some policies
	// need.
	Prioritize(pending []types.ResourceRequest, snapshot types.SystemSnapshot) []types.ResourceRequest
}

// FIFO orders requests by submission time, earliest first.
type FIFO struct{}

func (FIFO) Name() string { return "fifo" }

func (FIFO) Prioritize(pending []types.ResourceRequest, _ types.SystemSnapshot) []types.ResourceRequest {
	out := clone(pending)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

// Priority orders requests by priority descending, then FIFO.
type Priority struct{}

func (Priority) Name() string { return "priority" }

func (Priority) Prioritize(pending []types.ResourceRequest, _ types.SystemSnapshot) []types.ResourceRequest {
	out := clone(pending)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.SubmittedAt.Before(b.SubmittedAt)
	})
	return out
}

// ShortestNeed orders requests by the requesting agent's total remaining
// need across all resources, ascending, then FIFO. Agents close to finishing
// go first so their releases unblock everyone else sooner.
type ShortestNeed struct{}

func (ShortestNeed) Name() string { return "shortest-need" }

func (ShortestNeed) Prioritize(pending []types.ResourceRequest, snapshot types.SystemSnapshot) []types.ResourceRequest {
	remaining := make(map[types.AgentID]types.Quantity, len(snapshot.Agents))
	for _, agent := range snapshot.Agents {
		var total types.Quantity
		for rt, max := range agent.MaxClaim {
			total += max - agent.Allocation[rt]
		}
		remaining[agent.AgentID] = total
	}

	out := clone(pending)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		aNeed, bNeed := remaining[a.AgentID], remaining[b.AgentID]
		if aNeed != bNeed {
			return aNeed < bNeed
		}
		return a.SubmittedAt.Before(b.SubmittedAt)
	})
	return out
}

// Deadline orders requests with a timeout first, by earliest deadline;
// requests without a timeout trail in FIFO order.
type Deadline struct{}

func (Deadline) Name() string { return "deadline" }

func (Deadline) Prioritize(pending []types.ResourceRequest, _ types.SystemSnapshot) []types.ResourceRequest {
	out := clone(pending)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.HasDeadline() && b.HasDeadline():
			return a.Deadline().Before(b.Deadline())
		case a.HasDeadline() != b.HasDeadline():
			return a.HasDeadline()
		default:
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
	})
	return out
}

// Fairness orders requests strictly by submission time, ignoring priority.
// Intended for starvation prevention: the longest-waiting request always
// gets the first attempt.
type Fairness struct{}

func (Fairness) Name() string { return "fairness" }

func (Fairness) Prioritize(pending []types.ResourceRequest, _ types.SystemSnapshot) []types.ResourceRequest {
	out := clone(pending)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

func clone(reqs []types.ResourceRequest) []types.ResourceRequest {
	out := make([]types.ResourceRequest, len(reqs))
	copy(out, reqs)
	return out
}
