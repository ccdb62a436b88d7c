package monitor

import (
	"context"
	"log/slog"
	"os"

	"github.com/agentguard-ai/agentguard/types"
)

// Verbosity controls how much a SlogMonitor logs.
type Verbosity int

const (
	// Quiet logs only warnings: stalls, unsafe states, cycles, timeouts,
	// denials, auto-releases.
	Quiet Verbosity = iota

	// Normal additionally logs lifecycle changes and request outcomes.
	Normal

	// Verbose additionally logs submissions, releases, and snapshots.
	Verbose

	// Debug logs everything, including every safety check.
	Debug
)

// SlogMonitor writes events and snapshots to a structured logger.
type SlogMonitor struct {
	logger    *slog.Logger
	verbosity Verbosity
}

// NewSlogMonitor returns a monitor writing to the given logger at the given
// verbosity. A nil logger falls back to a JSON handler on stdout.
func NewSlogMonitor(logger *slog.Logger, verbosity Verbosity) *SlogMonitor {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	return &SlogMonitor{logger: logger, verbosity: verbosity}
}

// OnEvent logs the event if it clears the verbosity threshold.
func (m *SlogMonitor) OnEvent(event Event) {
	level, minVerbosity := classify(event.Type)
	if m.verbosity < minVerbosity {
		return
	}

	attrs := make([]any, 0, 8)
	attrs = append(attrs, slog.String("event", string(event.Type)))
	if event.AgentID != nil {
		attrs = append(attrs, slog.Uint64("agent_id", uint64(*event.AgentID)))
	}
	if event.ResourceType != nil {
		attrs = append(attrs, slog.Uint64("resource_type", uint64(*event.ResourceType)))
	}
	if event.RequestID != nil {
		attrs = append(attrs, slog.Uint64("request_id", uint64(*event.RequestID)))
	}
	if event.Quantity != nil {
		attrs = append(attrs, slog.Int64("quantity", int64(*event.Quantity)))
	}
	if event.SafetyResult != nil {
		attrs = append(attrs, slog.Bool("safe", *event.SafetyResult))
	}
	if event.TargetAgentID != nil {
		attrs = append(attrs, slog.Uint64("target_agent_id", uint64(*event.TargetAgentID)))
	}
	if len(event.CyclePath) > 0 {
		path := make([]uint64, len(event.CyclePath))
		for i, id := range event.CyclePath {
			path[i] = uint64(id)
		}
		attrs = append(attrs, slog.Any("cycle_path", path))
	}
	if event.Duration != nil {
		attrs = append(attrs, slog.Duration("duration", *event.Duration))
	}

	m.logger.Log(context.Background(), level, event.Message, attrs...)
}

// OnSnapshot logs a summary of the snapshot at Verbose and above.
func (m *SlogMonitor) OnSnapshot(snapshot types.SystemSnapshot) {
	if m.verbosity < Verbose {
		return
	}

	m.logger.Info("system snapshot",
		slog.Int("resources", len(snapshot.TotalResources)),
		slog.Int("agents", len(snapshot.Agents)),
		slog.Int("pending_requests", snapshot.PendingRequests),
		slog.Bool("is_safe", snapshot.IsSafe),
	)
}

// classify maps an event type to its log level and the minimum verbosity at
// which it is logged.
func classify(t EventType) (slog.Level, Verbosity) {
	switch t {
	case EventAgentStalled, EventUnsafeStateDetected, EventDelegationCycleDetected,
		EventRequestTimedOut, EventRequestDenied, EventAgentResourcesAutoReleased:
		return slog.LevelWarn, Quiet
	case EventAgentRegistered, EventAgentDeregistered, EventResourceRegistered,
		EventResourceCapacityChanged, EventRequestGranted, EventRequestCancelled,
		EventAgentStallResolved, EventDelegationReported, EventDelegationCompleted,
		EventDelegationCancelled, EventAdaptiveDemandModeChanged:
		return slog.LevelInfo, Normal
	case EventRequestSubmitted, EventResourcesReleased, EventQueueSizeChanged,
		EventAgentProgressReported, EventDemandEstimateUpdated:
		return slog.LevelInfo, Verbose
	default:
		// Safety checks and anything new only show up at Debug.
		return slog.LevelDebug, Debug
	}
}
