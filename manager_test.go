package agentguard

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentguard-ai/agentguard/monitor"
	"github.com/agentguard-ai/agentguard/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastConfig keeps background cadences short enough for tests.
func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.ProcessorPollInterval = 5 * time.Millisecond
	cfg.SnapshotInterval = 0
	return cfg
}

func newTestManager(t *testing.T, cfg Config, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	m := NewManager(cfg, opts...)
	t.Cleanup(m.Stop)
	return m
}

// setupOneResource registers a resource of the given capacity and an agent
// with the given max need on it.
func setupOneResource(t *testing.T, m *Manager, capacity, maxNeed types.Quantity) (types.AgentID, types.ResourceTypeID) {
	t.Helper()

	res, err := NewResource("slots", types.CategoryToolSlot, capacity)
	require.NoError(t, err)
	rtID, err := m.RegisterResource(res)
	require.NoError(t, err)

	agent := NewAgent("worker", types.PriorityNormal)
	if maxNeed > 0 {
		agent.DeclareMaxNeed(rtID, maxNeed)
	}
	agentID, err := m.RegisterAgent(agent)
	require.NoError(t, err)

	return agentID, rtID
}

// recordingMonitor collects events and snapshots for assertions.
type recordingMonitor struct {
	mu        sync.Mutex
	events    []monitor.Event
	snapshots []types.SystemSnapshot
}

func (r *recordingMonitor) OnEvent(ev monitor.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingMonitor) OnSnapshot(snap types.SystemSnapshot) {
	r.mu.Lock()
	r.snapshots = append(r.snapshots, snap)
	r.mu.Unlock()
}

func (r *recordingMonitor) typesSeen() []monitor.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]monitor.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *recordingMonitor) countOf(t monitor.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (r *recordingMonitor) snapshotCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots)
}

// ==================== Resource lifecycle ====================

func TestResourceLifecycle(t *testing.T) {
	m := newTestManager(t, fastConfig())

	res, err := NewResource("api", types.CategoryAPIRateLimit, 100)
	require.NoError(t, err)

	id, err := m.RegisterResource(res)
	require.NoError(t, err)
	assert.Equal(t, types.ResourceTypeID(1), id)

	got, err := m.GetResource(id)
	require.NoError(t, err)
	assert.Equal(t, "api", got.Name)
	assert.Equal(t, types.Quantity(100), got.TotalCapacity)
	assert.Equal(t, types.Quantity(100), got.Available())

	all := m.GetAllResources()
	require.Len(t, all, 1)

	require.NoError(t, m.UnregisterResource(id))
	_, err = m.GetResource(id)
	assert.ErrorIs(t, err, ErrResourceNotFound)
}

func TestRegisterResourceValidation(t *testing.T) {
	m := newTestManager(t, fastConfig())

	_, err := NewResource("bad", types.CategoryCustom, -1)
	assert.ErrorIs(t, err, ErrInvalidCapacity)

	_, err = m.RegisterResource(Resource{Name: "bad", TotalCapacity: -1})
	assert.ErrorIs(t, err, ErrInvalidCapacity)

	// Explicit ids are honored; duplicates are rejected.
	_, err = m.RegisterResource(Resource{ID: 7, Name: "explicit", TotalCapacity: 1})
	require.NoError(t, err)
	_, err = m.RegisterResource(Resource{ID: 7, Name: "dup", TotalCapacity: 1})
	require.Error(t, err)
}

func TestResourceTypeLimit(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxResourceTypes = 1
	m := newTestManager(t, cfg)

	_, err := m.RegisterResource(Resource{Name: "one", TotalCapacity: 1})
	require.NoError(t, err)
	_, err = m.RegisterResource(Resource{Name: "two", TotalCapacity: 1})
	assert.ErrorIs(t, err, ErrLimitReached)
}

func TestUnregisterResourceRefusesWhileAllocated(t *testing.T) {
	m := newTestManager(t, fastConfig())
	agentID, rtID := setupOneResource(t, m, 10, 5)

	status, err := m.RequestResources(context.Background(), agentID, rtID, 3)
	require.NoError(t, err)
	require.Equal(t, types.StatusGranted, status)

	err = m.UnregisterResource(rtID)
	require.Error(t, err)

	require.NoError(t, m.ReleaseResources(agentID, rtID, 3))
	require.NoError(t, m.UnregisterResource(rtID))
}

func TestAdjustResourceCapacity(t *testing.T) {
	m := newTestManager(t, fastConfig())
	agentID, rtID := setupOneResource(t, m, 10, 10)

	status, err := m.RequestResources(context.Background(), agentID, rtID, 4)
	require.NoError(t, err)
	require.Equal(t, types.StatusGranted, status)

	// Raising is always fine; lowering below the allocation is not.
	require.NoError(t, m.AdjustResourceCapacity(rtID, 20))
	err = m.AdjustResourceCapacity(rtID, 3)
	require.Error(t, err)

	got, err := m.GetResource(rtID)
	require.NoError(t, err)
	assert.Equal(t, types.Quantity(20), got.TotalCapacity)

	assert.ErrorIs(t, m.AdjustResourceCapacity(999, 5), ErrResourceNotFound)
}

// ==================== Agent lifecycle ====================

func TestAgentLifecycle(t *testing.T) {
	m := newTestManager(t, fastConfig())

	first, err := m.RegisterAgent(NewAgent("a", types.PriorityNormal))
	require.NoError(t, err)
	second, err := m.RegisterAgent(NewAgent("b", types.PriorityHigh))
	require.NoError(t, err)
	assert.Equal(t, types.AgentID(1), first)
	assert.Equal(t, types.AgentID(2), second)
	assert.Equal(t, 2, m.AgentCount())

	got, err := m.GetAgent(second)
	require.NoError(t, err)
	assert.Equal(t, "b", got.Name)
	assert.Equal(t, types.AgentRegistered, got.State)

	all := m.GetAllAgents()
	require.Len(t, all, 2)
	assert.Equal(t, first, all[0].ID)

	require.NoError(t, m.DeregisterAgent(first))
	assert.Equal(t, 1, m.AgentCount())
	assert.ErrorIs(t, m.DeregisterAgent(first), ErrAgentNotFound)
}

func TestRegisterAgentExplicitID(t *testing.T) {
	m := newTestManager(t, fastConfig())

	agent := NewAgent("pinned", types.PriorityNormal)
	agent.ID = 42
	id, err := m.RegisterAgent(agent)
	require.NoError(t, err)
	assert.Equal(t, types.AgentID(42), id)

	dup := NewAgent("dup", types.PriorityNormal)
	dup.ID = 42
	_, err = m.RegisterAgent(dup)
	assert.ErrorIs(t, err, ErrAgentAlreadyRegistered)

	// Fresh ids continue past the pinned one.
	next, err := m.RegisterAgent(NewAgent("next", types.PriorityNormal))
	require.NoError(t, err)
	assert.Equal(t, types.AgentID(43), next)
}

func TestAgentLimit(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAgents = 1
	m := newTestManager(t, cfg)

	_, err := m.RegisterAgent(NewAgent("one", types.PriorityNormal))
	require.NoError(t, err)
	_, err = m.RegisterAgent(NewAgent("two", types.PriorityNormal))
	assert.ErrorIs(t, err, ErrLimitReached)
}

func TestUpdateAgentMaxClaim(t *testing.T) {
	m := newTestManager(t, fastConfig())
	agentID, rtID := setupOneResource(t, m, 10, 5)

	status, err := m.RequestResources(context.Background(), agentID, rtID, 4)
	require.NoError(t, err)
	require.Equal(t, types.StatusGranted, status)

	require.NoError(t, m.UpdateAgentMaxClaim(agentID, rtID, 8))

	err = m.UpdateAgentMaxClaim(agentID, rtID, 3)
	require.Error(t, err, "cannot drop below current allocation")

	assert.ErrorIs(t, m.UpdateAgentMaxClaim(999, rtID, 1), ErrAgentNotFound)
}

func TestDeregisterReleasesHoldings(t *testing.T) {
	m := newTestManager(t, fastConfig())
	agentID, rtID := setupOneResource(t, m, 10, 5)

	status, err := m.RequestResources(context.Background(), agentID, rtID, 5)
	require.NoError(t, err)
	require.Equal(t, types.StatusGranted, status)

	require.NoError(t, m.DeregisterAgent(agentID))

	got, err := m.GetResource(rtID)
	require.NoError(t, err)
	assert.Equal(t, types.Quantity(0), got.Allocated)
	assert.Equal(t, types.Quantity(10), got.Available())
}

// ==================== Synchronous requests ====================

func TestRequestResources(t *testing.T) {
	ctx := context.Background()

	t.Run("grant commits allocation", func(t *testing.T) {
		m := newTestManager(t, fastConfig())
		agentID, rtID := setupOneResource(t, m, 10, 8)

		status, err := m.RequestResources(ctx, agentID, rtID, 3)
		require.NoError(t, err)
		assert.Equal(t, types.StatusGranted, status)

		res, _ := m.GetResource(rtID)
		assert.Equal(t, types.Quantity(3), res.Allocated)

		ag, _ := m.GetAgent(agentID)
		assert.Equal(t, types.Quantity(3), ag.Allocation[rtID])
		assert.Equal(t, types.AgentActive, ag.State, "first allocation activates the agent")
	})

	t.Run("unknown agent", func(t *testing.T) {
		m := newTestManager(t, fastConfig())
		_, rtID := setupOneResource(t, m, 10, 8)

		status, err := m.RequestResources(ctx, 999, rtID, 1)
		assert.Equal(t, types.StatusDenied, status)
		assert.ErrorIs(t, err, ErrAgentNotFound)
	})

	t.Run("unknown resource", func(t *testing.T) {
		m := newTestManager(t, fastConfig())
		agentID, _ := setupOneResource(t, m, 10, 8)

		_, err := m.RequestResources(ctx, agentID, 999, 1)
		assert.ErrorIs(t, err, ErrResourceNotFound)
	})

	t.Run("max claim exceeded", func(t *testing.T) {
		m := newTestManager(t, fastConfig())
		agentID, rtID := setupOneResource(t, m, 10, 4)

		_, err := m.RequestResources(ctx, agentID, rtID, 5)
		assert.ErrorIs(t, err, ErrMaxClaimExceeded)

		// Cumulative: 3 then 2 also breaks the claim.
		status, err := m.RequestResources(ctx, agentID, rtID, 3)
		require.NoError(t, err)
		require.Equal(t, types.StatusGranted, status)
		_, err = m.RequestResources(ctx, agentID, rtID, 2)
		assert.ErrorIs(t, err, ErrMaxClaimExceeded)
	})

	t.Run("capacity exceeded", func(t *testing.T) {
		m := newTestManager(t, fastConfig())
		agentID, rtID := setupOneResource(t, m, 10, 0)

		_, err := m.RequestResources(ctx, agentID, rtID, 11)
		assert.ErrorIs(t, err, ErrCapacityExceeded)
	})

	t.Run("negative quantity", func(t *testing.T) {
		m := newTestManager(t, fastConfig())
		agentID, rtID := setupOneResource(t, m, 10, 0)

		_, err := m.RequestResources(ctx, agentID, rtID, -1)
		require.Error(t, err)
	})

	t.Run("zero quantity is always granted", func(t *testing.T) {
		m := newTestManager(t, fastConfig())
		agentID, rtID := setupOneResource(t, m, 10, 5)

		status, err := m.RequestResources(ctx, agentID, rtID, 0)
		require.NoError(t, err)
		assert.Equal(t, types.StatusGranted, status)
	})

	t.Run("full capacity granted when nothing else held", func(t *testing.T) {
		m := newTestManager(t, fastConfig())
		agentID, rtID := setupOneResource(t, m, 10, 10)

		status, err := m.RequestResources(ctx, agentID, rtID, 10)
		require.NoError(t, err)
		assert.Equal(t, types.StatusGranted, status)
	})

	t.Run("times out when units are held elsewhere", func(t *testing.T) {
		m := newTestManager(t, fastConfig())
		agentID, rtID := setupOneResource(t, m, 10, 10)

		other := NewAgent("other", types.PriorityNormal)
		other.DeclareMaxNeed(rtID, 2)
		otherID, err := m.RegisterAgent(other)
		require.NoError(t, err)
		status, err := m.RequestResources(ctx, otherID, rtID, 2)
		require.NoError(t, err)
		require.Equal(t, types.StatusGranted, status)

		start := time.Now()
		status, err = m.RequestResources(ctx, agentID, rtID, 10,
			WithRequestTimeout(40*time.Millisecond))
		require.NoError(t, err)
		assert.Equal(t, types.StatusTimedOut, status)
		assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	})

	t.Run("zero timeout tries once and returns", func(t *testing.T) {
		m := newTestManager(t, fastConfig())
		agentID, rtID := setupOneResource(t, m, 1, 1)

		other := NewAgent("other", types.PriorityNormal)
		other.DeclareMaxNeed(rtID, 1)
		otherID, _ := m.RegisterAgent(other)
		_, err := m.RequestResources(ctx, otherID, rtID, 1)
		require.NoError(t, err)

		start := time.Now()
		status, err := m.RequestResources(ctx, agentID, rtID, 1, WithRequestTimeout(0))
		require.NoError(t, err)
		assert.Equal(t, types.StatusTimedOut, status)
		assert.Less(t, time.Since(start), 50*time.Millisecond)
	})

	t.Run("context cancellation interrupts the wait", func(t *testing.T) {
		m := newTestManager(t, fastConfig())
		agentID, rtID := setupOneResource(t, m, 1, 1)

		other := NewAgent("other", types.PriorityNormal)
		other.DeclareMaxNeed(rtID, 1)
		otherID, _ := m.RegisterAgent(other)
		_, err := m.RequestResources(ctx, otherID, rtID, 1)
		require.NoError(t, err)

		cctx, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()

		status, err := m.RequestResources(cctx, agentID, rtID, 1,
			WithRequestTimeout(5*time.Second))
		assert.Equal(t, types.StatusCancelled, status)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestUnsafeGrantDeniedWhenProcessorStopped(t *testing.T) {
	// Classic textbook state: total 10, allocations 3/2/2, max 9/4/7.
	// Agent 1 asking for one more unit would produce the unsafe 4/2/2
	// variant; without a running
	// processor nothing can change that, so the request is denied.
	m := newTestManager(t, fastConfig())
	ctx := context.Background()

	rtID, err := m.RegisterResource(Resource{Name: "pool", TotalCapacity: 10})
	require.NoError(t, err)

	maxes := []types.Quantity{9, 4, 7}
	allocs := []types.Quantity{3, 2, 2}
	ids := make([]types.AgentID, 3)
	for i := range maxes {
		agent := NewAgent("agent", types.PriorityNormal)
		agent.DeclareMaxNeed(rtID, maxes[i])
		ids[i], err = m.RegisterAgent(agent)
		require.NoError(t, err)
		status, err := m.RequestResources(ctx, ids[i], rtID, allocs[i])
		require.NoError(t, err)
		require.Equal(t, types.StatusGranted, status)
	}
	require.True(t, m.IsSafe())

	rec := &recordingMonitor{}
	m.SetMonitor(rec)

	status, err := m.RequestResources(ctx, ids[0], rtID, 1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDenied, status)
	assert.GreaterOrEqual(t, rec.countOf(monitor.EventUnsafeStateDetected), 1)
	assert.True(t, m.IsSafe(), "denied grant must not change state")

	// The safe request still goes through.
	status, err = m.RequestResources(ctx, ids[1], rtID, 2)
	require.NoError(t, err)
	assert.Equal(t, types.StatusGranted, status)
}

func TestGrantReleaseRoundTrip(t *testing.T) {
	m := newTestManager(t, fastConfig())
	ctx := context.Background()
	agentID, rtID := setupOneResource(t, m, 10, 10)

	before, _ := m.GetResource(rtID)

	status, err := m.RequestResources(ctx, agentID, rtID, 6)
	require.NoError(t, err)
	require.Equal(t, types.StatusGranted, status)
	require.NoError(t, m.ReleaseResources(agentID, rtID, 6))

	after, _ := m.GetResource(rtID)
	assert.Equal(t, before, after)

	ag, _ := m.GetAgent(agentID)
	assert.Empty(t, ag.Allocation, "zeroed entries are dropped")
}

func TestReleaseVariants(t *testing.T) {
	m := newTestManager(t, fastConfig())
	ctx := context.Background()

	rt1, err := m.RegisterResource(Resource{Name: "a", TotalCapacity: 5})
	require.NoError(t, err)
	rt2, err := m.RegisterResource(Resource{Name: "b", TotalCapacity: 5})
	require.NoError(t, err)

	agent := NewAgent("w", types.PriorityNormal)
	agent.DeclareMaxNeed(rt1, 5)
	agent.DeclareMaxNeed(rt2, 5)
	agentID, err := m.RegisterAgent(agent)
	require.NoError(t, err)

	for _, rt := range []types.ResourceTypeID{rt1, rt2} {
		status, err := m.RequestResources(ctx, agentID, rt, 3)
		require.NoError(t, err)
		require.Equal(t, types.StatusGranted, status)
	}

	m.ReleaseAllForResource(agentID, rt1)
	res1, _ := m.GetResource(rt1)
	assert.Equal(t, types.Quantity(0), res1.Allocated)
	res2, _ := m.GetResource(rt2)
	assert.Equal(t, types.Quantity(3), res2.Allocated)

	m.ReleaseAllResources(agentID)
	res2, _ = m.GetResource(rt2)
	assert.Equal(t, types.Quantity(0), res2.Allocated)

	// Release errors.
	assert.ErrorIs(t, m.ReleaseResources(999, rt1, 1), ErrAgentNotFound)
	assert.ErrorIs(t, m.ReleaseResources(agentID, 999, 1), ErrResourceNotFound)

	// Over-release clamps instead of going negative.
	status, err := m.RequestResources(ctx, agentID, rt1, 2)
	require.NoError(t, err)
	require.Equal(t, types.StatusGranted, status)
	require.NoError(t, m.ReleaseResources(agentID, rt1, 10))
	res1, _ = m.GetResource(rt1)
	assert.Equal(t, types.Quantity(0), res1.Allocated)
}

// ==================== Event ordering ====================

func TestRequestEventOrdering(t *testing.T) {
	rec := &recordingMonitor{}
	m := newTestManager(t, fastConfig(), WithMonitor(rec))
	agentID, rtID := setupOneResource(t, m, 10, 5)

	status, err := m.RequestResources(context.Background(), agentID, rtID, 2)
	require.NoError(t, err)
	require.Equal(t, types.StatusGranted, status)

	seen := rec.typesSeen()
	idx := func(et monitor.EventType) int {
		for i, got := range seen {
			if got == et {
				return i
			}
		}
		return -1
	}

	submitted := idx(monitor.EventRequestSubmitted)
	checked := idx(monitor.EventSafetyCheckPerformed)
	granted := idx(monitor.EventRequestGranted)
	require.NotEqual(t, -1, submitted)
	require.NotEqual(t, -1, checked)
	require.NotEqual(t, -1, granted)
	assert.Less(t, submitted, checked)
	assert.Less(t, checked, granted)

	// Safety check events carry their duration.
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, ev := range rec.events {
		if ev.Type == monitor.EventSafetyCheckPerformed {
			assert.NotNil(t, ev.Duration)
		}
	}
}

// ==================== Batch requests ====================

func TestRequestResourcesBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("all or nothing commit", func(t *testing.T) {
		m := newTestManager(t, fastConfig())

		rt1, _ := m.RegisterResource(Resource{Name: "a", TotalCapacity: 4})
		rt2, _ := m.RegisterResource(Resource{Name: "b", TotalCapacity: 4})

		agent := NewAgent("w", types.PriorityNormal)
		agent.DeclareMaxNeed(rt1, 2)
		agent.DeclareMaxNeed(rt2, 2)
		agentID, err := m.RegisterAgent(agent)
		require.NoError(t, err)

		status, err := m.RequestResourcesBatch(ctx, agentID, map[types.ResourceTypeID]types.Quantity{
			rt1: 2,
			rt2: 2,
		})
		require.NoError(t, err)
		require.Equal(t, types.StatusGranted, status)

		ag, _ := m.GetAgent(agentID)
		assert.Equal(t, types.Quantity(2), ag.Allocation[rt1])
		assert.Equal(t, types.Quantity(2), ag.Allocation[rt2])
	})

	t.Run("unknown resource rejects the whole batch", func(t *testing.T) {
		m := newTestManager(t, fastConfig())
		agentID, rtID := setupOneResource(t, m, 4, 4)

		_, err := m.RequestResourcesBatch(ctx, agentID, map[types.ResourceTypeID]types.Quantity{
			rtID: 1,
			999:  1,
		})
		assert.ErrorIs(t, err, ErrResourceNotFound)

		res, _ := m.GetResource(rtID)
		assert.Equal(t, types.Quantity(0), res.Allocated, "nothing committed")
	})

	t.Run("times out while another agent holds the units", func(t *testing.T) {
		m := newTestManager(t, fastConfig())
		agentID, rtID := setupOneResource(t, m, 2, 2)

		other := NewAgent("other", types.PriorityNormal)
		other.DeclareMaxNeed(rtID, 2)
		otherID, _ := m.RegisterAgent(other)
		_, err := m.RequestResources(ctx, otherID, rtID, 2)
		require.NoError(t, err)

		status, err := m.RequestResourcesBatch(ctx, agentID,
			map[types.ResourceTypeID]types.Quantity{rtID: 1},
			WithRequestTimeout(30*time.Millisecond))
		require.NoError(t, err)
		assert.Equal(t, types.StatusTimedOut, status)
	})
}

// ==================== Async and callback surfaces ====================

func TestRequestResourcesAsync(t *testing.T) {
	m := newTestManager(t, fastConfig())
	agentID, rtID := setupOneResource(t, m, 10, 5)

	outcome := <-m.RequestResourcesAsync(context.Background(), agentID, rtID, 2)
	require.NoError(t, outcome.Err)
	assert.Equal(t, types.StatusGranted, outcome.Status)

	outcome = <-m.RequestResourcesAsync(context.Background(), 999, rtID, 1)
	assert.Equal(t, types.StatusDenied, outcome.Status)
	assert.ErrorIs(t, outcome.Err, ErrAgentNotFound)
}

func TestCallbackRequestGrantedByProcessor(t *testing.T) {
	m := newTestManager(t, fastConfig())
	m.Start()
	agentID, rtID := setupOneResource(t, m, 10, 5)

	results := make(chan types.RequestStatus, 1)
	id, err := m.RequestResourcesCallback(agentID, rtID, 3,
		func(_ types.RequestID, status types.RequestStatus) {
			results <- status
		})
	require.NoError(t, err)
	assert.NotZero(t, id)

	select {
	case status := <-results:
		assert.Equal(t, types.StatusGranted, status)
	case <-time.After(2 * time.Second):
		t.Fatal("queued request was not granted")
	}

	res, _ := m.GetResource(rtID)
	assert.Equal(t, types.Quantity(3), res.Allocated)
	assert.Equal(t, 0, m.PendingRequestCount())
}

func TestCallbackRequestExpires(t *testing.T) {
	m := newTestManager(t, fastConfig())
	m.Start()
	agentID, rtID := setupOneResource(t, m, 2, 2)

	// Hold everything so the queued request can never be granted.
	other := NewAgent("holder", types.PriorityNormal)
	other.DeclareMaxNeed(rtID, 2)
	otherID, _ := m.RegisterAgent(other)
	_, err := m.RequestResources(context.Background(), otherID, rtID, 2)
	require.NoError(t, err)

	var mu sync.Mutex
	var calls []types.RequestStatus
	_, err = m.RequestResourcesCallback(agentID, rtID, 1,
		func(_ types.RequestID, status types.RequestStatus) {
			mu.Lock()
			calls = append(calls, status)
			mu.Unlock()
		},
		WithRequestTimeout(30*time.Millisecond))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []types.RequestStatus{types.StatusTimedOut}, calls)
}

func TestDeregisterCancelsQueuedRequests(t *testing.T) {
	m := newTestManager(t, fastConfig())
	agentID, rtID := setupOneResource(t, m, 1, 1)

	// Saturate so the queued request stays pending.
	other := NewAgent("holder", types.PriorityNormal)
	other.DeclareMaxNeed(rtID, 1)
	otherID, _ := m.RegisterAgent(other)
	_, err := m.RequestResources(context.Background(), otherID, rtID, 1)
	require.NoError(t, err)

	var mu sync.Mutex
	var calls []types.RequestStatus
	_, err = m.RequestResourcesCallback(agentID, rtID, 1,
		func(_ types.RequestID, status types.RequestStatus) {
			mu.Lock()
			calls = append(calls, status)
			mu.Unlock()
		})
	require.NoError(t, err)
	require.Equal(t, 1, m.PendingRequestCount())

	require.NoError(t, m.DeregisterAgent(agentID))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []types.RequestStatus{types.StatusCancelled}, calls,
		"callback fires exactly once with cancelled")
	assert.Equal(t, 0, m.PendingRequestCount())
}

func TestPendingRequestsForResource(t *testing.T) {
	m := newTestManager(t, fastConfig())

	rt1, err := m.RegisterResource(Resource{Name: "a", TotalCapacity: 1})
	require.NoError(t, err)
	rt2, err := m.RegisterResource(Resource{Name: "b", TotalCapacity: 1})
	require.NoError(t, err)

	agent := NewAgent("w", types.PriorityNormal)
	agent.DeclareMaxNeed(rt1, 1)
	agent.DeclareMaxNeed(rt2, 1)
	agentID, err := m.RegisterAgent(agent)
	require.NoError(t, err)

	// Saturate both resources so the queued requests stay pending.
	holder := NewAgent("holder", types.PriorityNormal)
	holder.DeclareMaxNeed(rt1, 1)
	holder.DeclareMaxNeed(rt2, 1)
	holderID, err := m.RegisterAgent(holder)
	require.NoError(t, err)
	status, err := m.RequestResourcesBatch(context.Background(), holderID,
		map[types.ResourceTypeID]types.Quantity{rt1: 1, rt2: 1})
	require.NoError(t, err)
	require.Equal(t, types.StatusGranted, status)

	first, err := m.RequestResourcesCallback(agentID, rt1, 1, nil)
	require.NoError(t, err)
	_, err = m.RequestResourcesCallback(agentID, rt2, 1, nil)
	require.NoError(t, err)

	forFirst := m.PendingRequestsForResource(rt1)
	require.Len(t, forFirst, 1)
	assert.Equal(t, first, forFirst[0].ID)
	assert.Equal(t, agentID, forFirst[0].AgentID)

	assert.Len(t, m.PendingRequestsForResource(rt2), 1)
	assert.Empty(t, m.PendingRequestsForResource(999))
	assert.Equal(t, 2, m.PendingRequestCount())
}

func TestNoWaitTriesOnce(t *testing.T) {
	m := newTestManager(t, fastConfig())
	agentID, rtID := setupOneResource(t, m, 1, 1)

	holder := NewAgent("holder", types.PriorityNormal)
	holder.DeclareMaxNeed(rtID, 1)
	holderID, _ := m.RegisterAgent(holder)
	_, err := m.RequestResources(context.Background(), holderID, rtID, 1)
	require.NoError(t, err)

	start := time.Now()
	status, err := m.RequestResources(context.Background(), agentID, rtID, 1, NoWait())
	require.NoError(t, err)
	assert.Equal(t, types.StatusTimedOut, status)
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	// A satisfiable request still succeeds immediately.
	m.ReleaseAllResources(holderID)
	status, err = m.RequestResources(context.Background(), agentID, rtID, 1, NoWait())
	require.NoError(t, err)
	assert.Equal(t, types.StatusGranted, status)
}

func TestCallbackQueueFull(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxQueueSize = 1
	m := newTestManager(t, cfg)
	agentID, rtID := setupOneResource(t, m, 1, 1)

	_, err := m.RequestResourcesCallback(agentID, rtID, 1, nil)
	require.NoError(t, err)
	_, err = m.RequestResourcesCallback(agentID, rtID, 1, nil)
	assert.ErrorIs(t, err, ErrQueueFull)
}

// ==================== Deadlock scenarios ====================

// TestDiningPhilosophers runs five agents each batch-requesting its two
// neighboring tools of capacity one. The safety check serializes the grants
// so every philosopher eventually eats.
func TestDiningPhilosophers(t *testing.T) {
	const n = 5

	m := newTestManager(t, fastConfig())
	m.Start()
	ctx := context.Background()

	tools := make([]types.ResourceTypeID, n)
	for i := range tools {
		id, err := m.RegisterResource(Resource{Name: "tool", Category: types.CategoryToolSlot, TotalCapacity: 1})
		require.NoError(t, err)
		tools[i] = id
	}

	agents := make([]types.AgentID, n)
	for i := range agents {
		agent := NewAgent("philosopher", types.PriorityNormal)
		agent.DeclareMaxNeed(tools[i], 1)
		agent.DeclareMaxNeed(tools[(i+1)%n], 1)
		id, err := m.RegisterAgent(agent)
		require.NoError(t, err)
		agents[i] = id
	}

	statuses := make([]types.RequestStatus, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status, err := m.RequestResourcesBatch(ctx, agents[i],
				map[types.ResourceTypeID]types.Quantity{
					tools[i]:       1,
					tools[(i+1)%n]: 1,
				},
				WithRequestTimeout(5*time.Second))
			assert.NoError(t, err)
			statuses[i] = status
			time.Sleep(5 * time.Millisecond) // hold briefly, then eat and release
			m.ReleaseAllResources(agents[i])
		}(i)
	}
	wg.Wait()

	for i, status := range statuses {
		assert.Equal(t, types.StatusGranted, status, "philosopher %d", i)
	}

	for _, rt := range tools {
		res, err := m.GetResource(rt)
		require.NoError(t, err)
		assert.Equal(t, types.Quantity(0), res.Allocated)
	}
}

// TestCircularWait runs the three-agent, three-resource circular dependency
// concurrently; the atomic batch grants prevent the hold-and-wait cycle.
func TestCircularWait(t *testing.T) {
	m := newTestManager(t, fastConfig())
	m.Start()
	ctx := context.Background()

	rts := make([]types.ResourceTypeID, 3)
	for i := range rts {
		id, err := m.RegisterResource(Resource{Name: "res", TotalCapacity: 1})
		require.NoError(t, err)
		rts[i] = id
	}

	agents := make([]types.AgentID, 3)
	for i := range agents {
		agent := NewAgent("worker", types.PriorityNormal)
		agent.DeclareMaxNeed(rts[i], 1)
		agent.DeclareMaxNeed(rts[(i+1)%3], 1)
		id, err := m.RegisterAgent(agent)
		require.NoError(t, err)
		agents[i] = id
	}

	statuses := make([]types.RequestStatus, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status, err := m.RequestResourcesBatch(ctx, agents[i],
				map[types.ResourceTypeID]types.Quantity{
					rts[i]:       1,
					rts[(i+1)%3]: 1,
				},
				WithRequestTimeout(5*time.Second))
			assert.NoError(t, err)
			statuses[i] = status
			m.ReleaseAllResources(agents[i])
		}(i)
	}
	wg.Wait()

	for i, status := range statuses {
		assert.Equal(t, types.StatusGranted, status, "agent %d", i)
	}
}

// ==================== Stall auto-release ====================

func TestStallAutoRelease(t *testing.T) {
	cfg := fastConfig()
	cfg.Progress.Enabled = true
	cfg.Progress.DefaultStallThreshold = 100 * time.Millisecond
	cfg.Progress.CheckInterval = 20 * time.Millisecond
	cfg.Progress.AutoReleaseOnStall = true

	rec := &recordingMonitor{}
	m := newTestManager(t, cfg, WithMonitor(rec))
	m.Start()

	agentID, rtID := setupOneResource(t, m, 10, 5)
	status, err := m.RequestResources(context.Background(), agentID, rtID, 3)
	require.NoError(t, err)
	require.Equal(t, types.StatusGranted, status)

	m.ReportProgress(agentID, "steps", 1)

	// The agent goes silent; the tracker flags it and the stall action
	// returns its holdings.
	require.Eventually(t, func() bool {
		res, err := m.GetResource(rtID)
		return err == nil && res.Available() == 10
	}, 2*time.Second, 20*time.Millisecond)

	assert.True(t, m.IsAgentStalled(agentID))
	assert.Contains(t, m.StalledAgents(), agentID)
	assert.GreaterOrEqual(t, rec.countOf(monitor.EventAgentStalled), 1)
	assert.GreaterOrEqual(t, rec.countOf(monitor.EventAgentResourcesAutoReleased), 1)

	// Progress clears the flag.
	m.ReportProgress(agentID, "steps", 2)
	assert.False(t, m.IsAgentStalled(agentID))
}

// ==================== Snapshots & queries ====================

func TestSnapshot(t *testing.T) {
	m := newTestManager(t, fastConfig())
	agentID, rtID := setupOneResource(t, m, 10, 5)

	status, err := m.RequestResources(context.Background(), agentID, rtID, 2)
	require.NoError(t, err)
	require.Equal(t, types.StatusGranted, status)

	snap := m.Snapshot()
	assert.Equal(t, types.Quantity(10), snap.TotalResources[rtID])
	assert.Equal(t, types.Quantity(8), snap.AvailableResources[rtID])
	require.Len(t, snap.Agents, 1)
	assert.Equal(t, agentID, snap.Agents[0].AgentID)
	assert.Equal(t, types.Quantity(2), snap.Agents[0].Allocation[rtID])
	assert.Equal(t, types.Quantity(5), snap.Agents[0].MaxClaim[rtID])
	assert.Equal(t, 0, snap.PendingRequests)
	assert.True(t, snap.IsSafe)
	assert.True(t, m.IsSafe())
}

func TestPeriodicSnapshotEmission(t *testing.T) {
	cfg := fastConfig()
	cfg.SnapshotInterval = 20 * time.Millisecond

	rec := &recordingMonitor{}
	m := newTestManager(t, cfg, WithMonitor(rec))
	m.Start()

	require.Eventually(t, func() bool {
		return rec.snapshotCount() >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

// ==================== Lifecycle ====================

func TestStartStopIdempotent(t *testing.T) {
	m := newTestManager(t, fastConfig())

	m.Start()
	m.Start()
	assert.True(t, m.IsRunning())

	m.Stop()
	m.Stop()
	assert.False(t, m.IsRunning())

	// Restart works.
	m.Start()
	assert.True(t, m.IsRunning())
	m.Stop()
}

// ==================== Delegation through the manager ====================

func TestManagerDelegationAPI(t *testing.T) {
	t.Run("disabled tracker accepts everything", func(t *testing.T) {
		m := newTestManager(t, fastConfig())
		result := m.ReportDelegation(1, 2, "task")
		assert.True(t, result.Accepted)
		assert.False(t, result.CycleDetected)
		assert.Empty(t, m.GetAllDelegations())
		assert.Empty(t, m.GetDelegationsFrom(1))
		assert.Empty(t, m.GetDelegationsTo(2))
		_, found := m.FindDelegationCycle()
		assert.False(t, found)
	})

	t.Run("enabled tracker detects cycles and emits events", func(t *testing.T) {
		cfg := fastConfig()
		cfg.Delegation.Enabled = true

		rec := &recordingMonitor{}
		m := newTestManager(t, cfg, WithMonitor(rec))

		a, err := m.RegisterAgent(NewAgent("a", types.PriorityNormal))
		require.NoError(t, err)
		b, err := m.RegisterAgent(NewAgent("b", types.PriorityNormal))
		require.NoError(t, err)

		require.True(t, m.ReportDelegation(a, b, "step one").Accepted)

		fromA := m.GetDelegationsFrom(a)
		require.Len(t, fromA, 1)
		assert.Equal(t, b, fromA[0].To)
		toB := m.GetDelegationsTo(b)
		require.Len(t, toB, 1)
		assert.Equal(t, a, toB[0].From)
		assert.Empty(t, m.GetDelegationsFrom(b))

		result := m.ReportDelegation(b, a, "step two")
		assert.True(t, result.CycleDetected)
		assert.Equal(t, 1, rec.countOf(monitor.EventDelegationCycleDetected))

		cycle, found := m.FindDelegationCycle()
		require.True(t, found)
		assert.Equal(t, cycle[0], cycle[len(cycle)-1])

		m.CompleteDelegation(a, b)
		m.CancelDelegation(b, a)
		assert.Empty(t, m.GetAllDelegations())

		// Deregistration scrubs the graph.
		require.True(t, m.ReportDelegation(a, b, "again").Accepted)
		require.NoError(t, m.DeregisterAgent(b))
		assert.Empty(t, m.GetAllDelegations())
	})
}

func TestErrorsAreGuardErrors(t *testing.T) {
	m := newTestManager(t, fastConfig())

	_, err := m.GetAgent(12)
	require.Error(t, err)

	var guardErr *GuardError
	require.True(t, errors.As(err, &guardErr))
	assert.Equal(t, KindNotFound, guardErr.Kind)
	assert.Equal(t, "Manager.GetAgent", guardErr.Op)
}
