package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/agentguard-ai/agentguard/types"
)

// Metrics is the aggregate view collected by a MetricsMonitor.
type Metrics struct {
	TotalRequests     uint64
	GrantedRequests   uint64
	DeniedRequests    uint64
	TimedOutRequests  uint64
	CancelledRequests uint64

	// AverageWaitTime averages submitted-to-granted latency across requests
	// that carried a request id (queued requests).
	AverageWaitTime time.Duration

	// AverageSafetyCheckDuration averages the duration carried on safety
	// check events.
	AverageSafetyCheckDuration time.Duration

	UnsafeStateDetections uint64

	// ResourceUtilizationPercent is taken from the most recent snapshot:
	// allocated over total capacity across all resources.
	ResourceUtilizationPercent float64
}

// AlertCallback receives a human-readable description of a threshold breach.
type AlertCallback func(message string)

// MetricsMonitor aggregates request outcomes, safety-check timing, and
// utilization from the event stream and snapshots. It supports optional
// alert callbacks on utilization and queue-size thresholds. Callbacks run
// outside the monitor's internal lock.
type MetricsMonitor struct {
	mu      sync.Mutex
	metrics Metrics

	// Submission times by request id, for wait-time measurement.
	pendingSubmits map[types.RequestID]time.Time
	waitSamples    uint64
	waitSum        time.Duration

	safetyCheckCount uint64
	safetyCheckSum   time.Duration

	utilizationThreshold float64
	utilizationCB        AlertCallback
	queueSizeThreshold   int
	queueSizeCB          AlertCallback
}

// NewMetricsMonitor returns an empty metrics aggregator.
func NewMetricsMonitor() *MetricsMonitor {
	return &MetricsMonitor{
		pendingSubmits:       make(map[types.RequestID]time.Time),
		utilizationThreshold: 1.1, // above 1.0 means disabled
	}
}

// SetUtilizationAlertThreshold fires cb whenever a snapshot's utilization
// fraction meets or exceeds threshold (0..1).
func (m *MetricsMonitor) SetUtilizationAlertThreshold(threshold float64, cb AlertCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.utilizationThreshold = threshold
	m.utilizationCB = cb
}

// SetQueueSizeAlertThreshold fires cb whenever a snapshot's pending-request
// count meets or exceeds threshold.
func (m *MetricsMonitor) SetQueueSizeAlertThreshold(threshold int, cb AlertCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueSizeThreshold = threshold
	m.queueSizeCB = cb
}

// OnEvent updates the aggregates from one event.
func (m *MetricsMonitor) OnEvent(event Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch event.Type {
	case EventRequestSubmitted:
		m.metrics.TotalRequests++
		if event.RequestID != nil {
			m.pendingSubmits[*event.RequestID] = event.Timestamp
		}
	case EventRequestGranted:
		m.metrics.GrantedRequests++
		if event.RequestID != nil {
			if submitted, ok := m.pendingSubmits[*event.RequestID]; ok {
				delete(m.pendingSubmits, *event.RequestID)
				m.waitSamples++
				m.waitSum += event.Timestamp.Sub(submitted)
				m.metrics.AverageWaitTime = m.waitSum / time.Duration(m.waitSamples)
			}
		}
	case EventRequestDenied:
		m.metrics.DeniedRequests++
		m.dropPending(event.RequestID)
	case EventRequestTimedOut:
		m.metrics.TimedOutRequests++
		m.dropPending(event.RequestID)
	case EventRequestCancelled:
		m.metrics.CancelledRequests++
		m.dropPending(event.RequestID)
	case EventUnsafeStateDetected:
		m.metrics.UnsafeStateDetections++
	case EventSafetyCheckPerformed, EventProbabilisticSafetyCheck:
		if event.Duration != nil {
			m.safetyCheckCount++
			m.safetyCheckSum += *event.Duration
			m.metrics.AverageSafetyCheckDuration = m.safetyCheckSum / time.Duration(m.safetyCheckCount)
		}
	}
}

// OnSnapshot recomputes utilization and fires threshold alerts.
func (m *MetricsMonitor) OnSnapshot(snapshot types.SystemSnapshot) {
	var total, available types.Quantity
	for _, q := range snapshot.TotalResources {
		total += q
	}
	for _, q := range snapshot.AvailableResources {
		available += q
	}

	var utilization float64
	if total > 0 {
		utilization = float64(total-available) / float64(total)
	}

	m.mu.Lock()
	m.metrics.ResourceUtilizationPercent = utilization * 100

	var alerts []func()
	if m.utilizationCB != nil && utilization >= m.utilizationThreshold {
		cb, u := m.utilizationCB, utilization
		alerts = append(alerts, func() {
			cb(fmt.Sprintf("resource utilization at %.1f%%", u*100))
		})
	}
	if m.queueSizeCB != nil && m.queueSizeThreshold > 0 && snapshot.PendingRequests >= m.queueSizeThreshold {
		cb, n := m.queueSizeCB, snapshot.PendingRequests
		alerts = append(alerts, func() {
			cb(fmt.Sprintf("request queue depth at %d", n))
		})
	}
	m.mu.Unlock()

	for _, alert := range alerts {
		alert()
	}
}

// Snapshot returns a copy of the current aggregates.
func (m *MetricsMonitor) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

// Reset clears every aggregate.
func (m *MetricsMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.metrics = Metrics{}
	m.pendingSubmits = make(map[types.RequestID]time.Time)
	m.waitSamples = 0
	m.waitSum = 0
	m.safetyCheckCount = 0
	m.safetyCheckSum = 0
}

func (m *MetricsMonitor) dropPending(id *types.RequestID) {
	if id != nil {
		delete(m.pendingSubmits, *id)
	}
}
