package types

import (
	"time"
)

// AgentID uniquely identifies a registered agent. IDs are assigned by the
// resource manager, monotonically starting at 1. The zero value means
// "not yet registered".
type AgentID uint64

// ResourceTypeID uniquely identifies a registered resource type.
// The zero value means "not yet registered".
type ResourceTypeID uint64

// RequestID uniquely identifies a queued resource request. IDs are assigned
// by the request queue on enqueue, monotonically starting at 1.
type RequestID uint64

// Quantity is an integer amount of a resource. It is signed so that delta
// arithmetic is safe; quantities at rest are always >= 0.
type Quantity int64

// Priority orders agents and requests. Larger values are more urgent.
type Priority int32

// Named priority bands. Any int32 is a valid priority; these are the
// conventional levels.
const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 50
	PriorityHigh     Priority = 100
	PriorityCritical Priority = 200
)

// RequestStatus is the terminal (or pending) state of a resource request.
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusGranted   RequestStatus = "granted"
	StatusDenied    RequestStatus = "denied"
	StatusTimedOut  RequestStatus = "timed_out"
	StatusCancelled RequestStatus = "cancelled"
)

// AgentState is the lifecycle state of a registered agent.
type AgentState string

const (
	AgentRegistered   AgentState = "registered"
	AgentActive       AgentState = "active"
	AgentWaiting      AgentState = "waiting"
	AgentReleasing    AgentState = "releasing"
	AgentDeregistered AgentState = "deregistered"
)

// ResourceCategory tags a resource type with its AI-workload taxonomy.
type ResourceCategory string

const (
	CategoryAPIRateLimit  ResourceCategory = "api-rate-limit"
	CategoryTokenBudget   ResourceCategory = "token-budget"
	CategoryToolSlot      ResourceCategory = "tool-slot"
	CategoryMemoryPool    ResourceCategory = "memory-pool"
	CategoryDatabaseConn  ResourceCategory = "database-conn"
	CategoryGPUCompute    ResourceCategory = "gpu-compute"
	CategoryFileHandle    ResourceCategory = "file-handle"
	CategoryNetworkSocket ResourceCategory = "network-socket"
	CategoryCustom        ResourceCategory = "custom"
)

// IsValid reports whether the category is one of the known values.
func (c ResourceCategory) IsValid() bool {
	switch c {
	case CategoryAPIRateLimit, CategoryTokenBudget, CategoryToolSlot,
		CategoryMemoryPool, CategoryDatabaseConn, CategoryGPUCompute,
		CategoryFileHandle, CategoryNetworkSocket, CategoryCustom:
		return true
	}
	return false
}

// DemandMode selects where an agent's max-need values come from during
// safety evaluation.
//
//   - DemandStatic: explicit declared max needs only.
//   - DemandAdaptive: statistical estimates from observed usage only.
//   - DemandHybrid: statistical estimate capped by the declared value
//     where one exists.
type DemandMode string

const (
	DemandStatic   DemandMode = "static"
	DemandAdaptive DemandMode = "adaptive"
	DemandHybrid   DemandMode = "hybrid"
)

// IsValid reports whether the mode is one of the known values.
func (m DemandMode) IsValid() bool {
	switch m {
	case DemandStatic, DemandAdaptive, DemandHybrid:
		return true
	}
	return false
}

// RequestCallback receives the terminal status of a queued request.
// Callbacks are invoked exactly once, outside any internal lock. A callback
// must not block indefinitely; doing so throttles the background processor.
type RequestCallback func(RequestID, RequestStatus)

// ResourceRequest describes one pending demand for a resource.
type ResourceRequest struct {
	// ID is assigned by the request queue on enqueue.
	ID RequestID `json:"id"`

	// AgentID is the requesting agent.
	AgentID AgentID `json:"agent_id"`

	// ResourceType is the requested resource type.
	ResourceType ResourceTypeID `json:"resource_type"`

	// Quantity is the number of units requested.
	Quantity Quantity `json:"quantity"`

	// Priority orders the request within the queue. Callback requests
	// inherit the agent's priority at enqueue time.
	Priority Priority `json:"priority"`

	// Timeout bounds how long the request may stay pending. Zero means
	// the request never expires on its own.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Callback, if set, receives the terminal status.
	Callback RequestCallback `json:"-"`

	// SubmittedAt is stamped by the queue on enqueue.
	SubmittedAt time.Time `json:"submitted_at"`
}

// HasDeadline reports whether the request can expire.
func (r ResourceRequest) HasDeadline() bool {
	return r.Timeout > 0
}

// Deadline returns the instant the request expires. Only meaningful when
// HasDeadline is true.
func (r ResourceRequest) Deadline() time.Time {
	return r.SubmittedAt.Add(r.Timeout)
}

// AgentAllocationSnapshot is one agent's view inside a SystemSnapshot.
type AgentAllocationSnapshot struct {
	AgentID    AgentID                     `json:"agent_id"`
	Name       string                      `json:"name"`
	Priority   Priority                    `json:"priority"`
	State      AgentState                  `json:"state"`
	Allocation map[ResourceTypeID]Quantity `json:"allocation"`
	MaxClaim   map[ResourceTypeID]Quantity `json:"max_claim"`
}

// RemainingNeed returns max claim minus current allocation for one resource.
func (s AgentAllocationSnapshot) RemainingNeed(rt ResourceTypeID) Quantity {
	return s.MaxClaim[rt] - s.Allocation[rt]
}

// SystemSnapshot is a consistent point-in-time view of the whole allocation
// state, emitted to monitors and handed to scheduling policies.
type SystemSnapshot struct {
	Timestamp          time.Time                   `json:"timestamp"`
	TotalResources     map[ResourceTypeID]Quantity `json:"total_resources"`
	AvailableResources map[ResourceTypeID]Quantity `json:"available_resources"`
	Agents             []AgentAllocationSnapshot   `json:"agents"`
	PendingRequests    int                         `json:"pending_requests"`
	IsSafe             bool                        `json:"is_safe"`
}

// DelegationInfo describes one active task hand-off between two agents.
type DelegationInfo struct {
	From            AgentID   `json:"from"`
	To              AgentID   `json:"to"`
	TaskDescription string    `json:"task_description,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}
