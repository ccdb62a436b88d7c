package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/agentguard-ai/agentguard/types"
)

// OTelMonitor exports engine activity through OpenTelemetry metric
// instruments: a request counter labeled by outcome, an unsafe-state
// counter, a safety-check duration histogram, and gauges for queue depth
// and resource utilization.
type OTelMonitor struct {
	requests       metric.Int64Counter
	unsafeStates   metric.Int64Counter
	checkDuration  metric.Float64Histogram
	pendingGauge   metric.Int64Gauge
	utilizationPct metric.Float64Gauge
}

// NewOTelMonitor creates the instruments on the given meter.
func NewOTelMonitor(meter metric.Meter) (*OTelMonitor, error) {
	requests, err := meter.Int64Counter("agentguard.requests",
		metric.WithDescription("Resource requests by outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create request counter: %w", err)
	}

	unsafeStates, err := meter.Int64Counter("agentguard.unsafe_states",
		metric.WithDescription("Grants refused because the resulting state would be unsafe"))
	if err != nil {
		return nil, fmt.Errorf("failed to create unsafe-state counter: %w", err)
	}

	checkDuration, err := meter.Float64Histogram("agentguard.safety_check.duration",
		metric.WithDescription("Safety check duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("failed to create safety-check histogram: %w", err)
	}

	pendingGauge, err := meter.Int64Gauge("agentguard.pending_requests",
		metric.WithDescription("Pending requests in the queue"))
	if err != nil {
		return nil, fmt.Errorf("failed to create pending-request gauge: %w", err)
	}

	utilizationPct, err := meter.Float64Gauge("agentguard.resource_utilization",
		metric.WithDescription("Allocated capacity as a percentage of total"),
		metric.WithUnit("%"))
	if err != nil {
		return nil, fmt.Errorf("failed to create utilization gauge: %w", err)
	}

	return &OTelMonitor{
		requests:       requests,
		unsafeStates:   unsafeStates,
		checkDuration:  checkDuration,
		pendingGauge:   pendingGauge,
		utilizationPct: utilizationPct,
	}, nil
}

// OnEvent records the event on the relevant instruments.
func (m *OTelMonitor) OnEvent(event Event) {
	ctx := context.Background()

	switch event.Type {
	case EventRequestGranted:
		m.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "granted")))
	case EventRequestDenied:
		m.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "denied")))
	case EventRequestTimedOut:
		m.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "timed_out")))
	case EventRequestCancelled:
		m.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "cancelled")))
	case EventUnsafeStateDetected:
		m.unsafeStates.Add(ctx, 1)
	case EventSafetyCheckPerformed, EventProbabilisticSafetyCheck:
		if event.Duration != nil {
			probabilistic := event.Type == EventProbabilisticSafetyCheck
			m.checkDuration.Record(ctx, float64(event.Duration.Microseconds())/1000,
				metric.WithAttributes(attribute.Bool("probabilistic", probabilistic)))
		}
	}
}

// OnSnapshot records queue depth and utilization gauges.
func (m *OTelMonitor) OnSnapshot(snapshot types.SystemSnapshot) {
	ctx := context.Background()

	m.pendingGauge.Record(ctx, int64(snapshot.PendingRequests))

	var total, available types.Quantity
	for _, q := range snapshot.TotalResources {
		total += q
	}
	for _, q := range snapshot.AvailableResources {
		available += q
	}
	if total > 0 {
		m.utilizationPct.Record(ctx, float64(total-available)/float64(total)*100)
	}
}
