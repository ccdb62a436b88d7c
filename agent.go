package agentguard

import (
	"github.com/agentguard-ai/agentguard/types"
)

// Agent is one registered worker: it declares maximum resource needs, holds
// allocations, and competes for grants at its priority.
//
// Agents are owned by the manager once registered; queries return deep
// copies and allocation state only changes through the manager's grant and
// release paths.
type Agent struct {
	// ID is assigned by the manager on registration. A caller-supplied
	// non-zero id is honored if free; registration fails with
	// ErrAgentAlreadyRegistered otherwise.
	ID types.AgentID

	// Name is the human-readable name.
	Name string

	// Priority orders this agent's requests. Larger is more urgent.
	Priority types.Priority

	// State is the lifecycle state. Agents transition registered -> active
	// on their first allocation.
	State types.AgentState

	// ModelIdentifier optionally tags the agent with the model backing it.
	ModelIdentifier string

	// TaskDescription optionally describes the agent's current task.
	TaskDescription string

	// MaxNeeds maps resource type to the declared maximum need.
	MaxNeeds map[types.ResourceTypeID]types.Quantity

	// Allocation maps resource type to currently held units.
	Allocation map[types.ResourceTypeID]types.Quantity
}

// NewAgent returns an unregistered agent with the given name and priority.
func NewAgent(name string, priority types.Priority) Agent {
	return Agent{
		Name:       name,
		Priority:   priority,
		State:      types.AgentRegistered,
		MaxNeeds:   make(map[types.ResourceTypeID]types.Quantity),
		Allocation: make(map[types.ResourceTypeID]types.Quantity),
	}
}

// DeclareMaxNeed declares the maximum number of units the agent will ever
// hold of the resource at once.
func (a *Agent) DeclareMaxNeed(rt types.ResourceTypeID, qty types.Quantity) {
	if a.MaxNeeds == nil {
		a.MaxNeeds = make(map[types.ResourceTypeID]types.Quantity)
	}
	a.MaxNeeds[rt] = qty
}

// RemainingNeed returns declared max need minus current allocation for one
// resource type.
func (a Agent) RemainingNeed(rt types.ResourceTypeID) types.Quantity {
	return a.MaxNeeds[rt] - a.Allocation[rt]
}

// clone returns a deep copy.
func (a Agent) clone() Agent {
	out := a
	out.MaxNeeds = make(map[types.ResourceTypeID]types.Quantity, len(a.MaxNeeds))
	for rt, q := range a.MaxNeeds {
		out.MaxNeeds[rt] = q
	}
	out.Allocation = make(map[types.ResourceTypeID]types.Quantity, len(a.Allocation))
	for rt, q := range a.Allocation {
		out.Allocation[rt] = q
	}
	return out
}

// allocate commits qty units of the resource to the agent and activates a
// freshly registered agent.
func (a *Agent) allocate(rt types.ResourceTypeID, qty types.Quantity) {
	a.Allocation[rt] += qty
	if a.State == types.AgentRegistered {
		a.State = types.AgentActive
	}
}

// deallocate returns qty units, dropping the entry when the count reaches
// zero.
func (a *Agent) deallocate(rt types.ResourceTypeID, qty types.Quantity) {
	held, ok := a.Allocation[rt]
	if !ok {
		return
	}
	held -= qty
	if held <= 0 {
		delete(a.Allocation, rt)
		return
	}
	a.Allocation[rt] = held
}
