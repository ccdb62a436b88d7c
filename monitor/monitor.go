// Package monitor defines the event contract of the AgentGuard coordination
// engine and provides the standard sink implementations: structured logging
// via slog, in-process metrics aggregation, OpenTelemetry metric export,
// redis pub/sub publishing, and a fan-out composite.
//
// Every observable action inside the engine emits a typed Event. Events are
// always emitted outside internal locks, carry a timestamp and human-readable
// message, and populate only the fields relevant to the action — missing
// fields are absent (nil), not zero-valued. Sink implementations must be safe
// for concurrent use; they may be shared across managers and must tolerate
// outliving a manager's Stop.
package monitor

import (
	"time"

	"github.com/google/uuid"

	"github.com/agentguard-ai/agentguard/types"
)

// EventType names one observable action. The names carry semantics; their
// ordering guarantees are part of the engine's observable contract.
type EventType string

const (
	// Resource lifecycle.
	EventResourceRegistered      EventType = "resource.registered"
	EventResourceCapacityChanged EventType = "resource.capacity_changed"

	// Agent lifecycle.
	EventAgentRegistered            EventType = "agent.registered"
	EventAgentDeregistered          EventType = "agent.deregistered"
	EventAgentResourcesAutoReleased EventType = "agent.resources_auto_released"
	EventAgentStalled               EventType = "agent.stalled"
	EventAgentStallResolved         EventType = "agent.stall_resolved"
	EventAgentProgressReported      EventType = "agent.progress_reported"

	// Request flow.
	EventRequestSubmitted  EventType = "request.submitted"
	EventRequestGranted    EventType = "request.granted"
	EventRequestDenied     EventType = "request.denied"
	EventRequestTimedOut   EventType = "request.timed_out"
	EventRequestCancelled  EventType = "request.cancelled"
	EventResourcesReleased EventType = "request.resources_released"
	EventQueueSizeChanged  EventType = "request.queue_size_changed"

	// Safety checks.
	EventSafetyCheckPerformed     EventType = "safety.check_performed"
	EventUnsafeStateDetected      EventType = "safety.unsafe_state_detected"
	EventProbabilisticSafetyCheck EventType = "safety.probabilistic_check"

	// Delegation tracking.
	EventDelegationReported      EventType = "delegation.reported"
	EventDelegationCompleted     EventType = "delegation.completed"
	EventDelegationCancelled     EventType = "delegation.cancelled"
	EventDelegationCycleDetected EventType = "delegation.cycle_detected"

	// Adaptive demand estimation.
	EventDemandEstimateUpdated     EventType = "adaptive.demand_estimate_updated"
	EventAdaptiveDemandModeChanged EventType = "adaptive.demand_mode_changed"
)

// Event is one typed observation emitted by the engine. Optional fields are
// pointers and nil when not applicable to the event type.
type Event struct {
	// ID is a unique identifier for this event instance.
	ID string `json:"id"`

	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`

	AgentID      *types.AgentID        `json:"agent_id,omitempty"`
	ResourceType *types.ResourceTypeID `json:"resource_type,omitempty"`
	RequestID    *types.RequestID      `json:"request_id,omitempty"`
	Quantity     *types.Quantity       `json:"quantity,omitempty"`
	SafetyResult *bool                 `json:"safety_result,omitempty"`

	// TargetAgentID is the delegation "to" agent.
	TargetAgentID *types.AgentID `json:"target_agent_id,omitempty"`

	// CyclePath is the closed delegation cycle, when one was detected.
	CyclePath []types.AgentID `json:"cycle_path,omitempty"`

	// Duration is how long the described operation took (safety checks).
	Duration *time.Duration `json:"duration,omitempty"`
}

// NewEvent returns an event of the given type stamped with a fresh id and
// the current time.
func NewEvent(t EventType, message string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now(),
		Message:   message,
	}
}

// WithAgent sets the agent id.
func (e Event) WithAgent(id types.AgentID) Event {
	e.AgentID = &id
	return e
}

// WithResource sets the resource type.
func (e Event) WithResource(rt types.ResourceTypeID) Event {
	e.ResourceType = &rt
	return e
}

// WithRequest sets the request id.
func (e Event) WithRequest(id types.RequestID) Event {
	e.RequestID = &id
	return e
}

// WithQuantity sets the quantity.
func (e Event) WithQuantity(q types.Quantity) Event {
	e.Quantity = &q
	return e
}

// WithSafetyResult sets the safety-result flag.
func (e Event) WithSafetyResult(safe bool) Event {
	e.SafetyResult = &safe
	return e
}

// WithTarget sets the delegation target agent.
func (e Event) WithTarget(id types.AgentID) Event {
	e.TargetAgentID = &id
	return e
}

// WithCycle sets the delegation cycle path.
func (e Event) WithCycle(path []types.AgentID) Event {
	e.CyclePath = path
	return e
}

// WithDuration sets the operation duration.
func (e Event) WithDuration(d time.Duration) Event {
	e.Duration = &d
	return e
}

// Monitor receives typed events and periodic snapshots from the engine.
// Implementations must not call back into the emitting manager from inside
// OnEvent or OnSnapshot.
type Monitor interface {
	OnEvent(event Event)
	OnSnapshot(snapshot types.SystemSnapshot)
}

// Multi fans events and snapshots out to a sequence of monitors in order.
type Multi struct {
	monitors []Monitor
}

// NewMulti returns a composite over the given monitors.
func NewMulti(monitors ...Monitor) *Multi {
	return &Multi{monitors: monitors}
}

// Add appends a monitor to the fan-out sequence. Add is not safe to call
// concurrently with event delivery; compose the set before wiring it in.
func (m *Multi) Add(mon Monitor) {
	m.monitors = append(m.monitors, mon)
}

// OnEvent forwards the event to every monitor in order.
func (m *Multi) OnEvent(event Event) {
	for _, mon := range m.monitors {
		mon.OnEvent(event)
	}
}

// OnSnapshot forwards the snapshot to every monitor in order.
func (m *Multi) OnSnapshot(snapshot types.SystemSnapshot) {
	for _, mon := range m.monitors {
		mon.OnSnapshot(snapshot)
	}
}
