package agentguard

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentguard-ai/agentguard/delegation"
	"github.com/agentguard-ai/agentguard/estimator"
	"github.com/agentguard-ai/agentguard/monitor"
	"github.com/agentguard-ai/agentguard/policy"
	"github.com/agentguard-ai/agentguard/progress"
	"github.com/agentguard-ai/agentguard/queue"
	"github.com/agentguard-ai/agentguard/safety"
	"github.com/agentguard-ai/agentguard/types"
)

// Manager owns the live allocation state and is the external API of the
// coordination engine. It validates every request against static limits,
// consults the safety checker with a hypothetical snapshot before any grant,
// and drives a background processor that retries queued requests whenever
// resources are released.
//
// All methods are safe for concurrent use. Blocking request methods accept a
// context; all other methods return without blocking beyond acquiring a
// reader lock.
type Manager struct {
	// ID uniquely identifies this manager instance in logs and events.
	ID string

	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer

	mu             sync.RWMutex
	resources      map[types.ResourceTypeID]*Resource
	agents         map[types.AgentID]*Agent
	nextAgentID    types.AgentID
	nextResourceID types.ResourceTypeID

	sigMu     sync.Mutex
	releaseCh chan struct{}

	queue *queue.Queue

	policyMu sync.RWMutex
	policy   policy.Policy

	monMu sync.Mutex
	mon   monitor.Monitor

	checker    safety.Checker
	estimator  *estimator.Estimator
	progress   *progress.Tracker
	delegation *delegation.Tracker

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewManager returns a manager with the given configuration. Zero-valued
// size and duration fields fall back to DefaultConfig values.
//
// Example:
//
//	mgr := agentguard.NewManager(agentguard.DefaultConfig(),
//	    agentguard.WithLogger(logger),
//	    agentguard.WithMonitor(monitor.NewSlogMonitor(logger, monitor.Normal)),
//	    agentguard.WithPolicy(policy.Priority{}),
//	)
//	mgr.Start()
//	defer mgr.Stop()
func NewManager(cfg Config, opts ...Option) *Manager {
	cfg = cfg.withDefaults()

	var o managerOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	if o.policy == nil {
		o.policy = policy.FIFO{}
	}

	m := &Manager{
		ID:             uuid.NewString(),
		cfg:            cfg,
		logger:         o.logger,
		tracer:         o.tracer,
		resources:      make(map[types.ResourceTypeID]*Resource),
		agents:         make(map[types.AgentID]*Agent),
		nextAgentID:    1,
		nextResourceID: 1,
		releaseCh:      make(chan struct{}),
		queue:          queue.New(cfg.MaxQueueSize),
		policy:         o.policy,
		mon:            o.monitor,
		estimator:      estimator.New(cfg.Adaptive),
	}

	if cfg.Progress.Enabled {
		m.progress = progress.New(cfg.Progress)
	}
	if cfg.Delegation.Enabled {
		m.delegation = delegation.New(cfg.Delegation)
		m.delegation.SetMonitor(monitorProxy{m})
	}

	return m
}

// monitorProxy forwards tracker emissions to the manager's current monitor,
// so SetMonitor takes effect for the subsystems too.
type monitorProxy struct{ m *Manager }

func (p monitorProxy) OnEvent(ev monitor.Event)             { p.m.emit(ev) }
func (p monitorProxy) OnSnapshot(snap types.SystemSnapshot) { p.m.emitSnapshot(snap) }

// SetMonitor swaps the event sink. Safe at any time.
func (m *Manager) SetMonitor(mon monitor.Monitor) {
	m.monMu.Lock()
	m.mon = mon
	m.monMu.Unlock()
}

// SetSchedulingPolicy swaps the scheduling policy. Queued requests are
// unaffected; the next processor pass simply uses the new order.
func (m *Manager) SetSchedulingPolicy(p policy.Policy) {
	if p == nil {
		p = policy.FIFO{}
	}
	m.policyMu.Lock()
	m.policy = p
	m.policyMu.Unlock()
}

func (m *Manager) currentPolicy() policy.Policy {
	m.policyMu.RLock()
	defer m.policyMu.RUnlock()
	return m.policy
}

// emit delivers an event to the current monitor. Never called with any
// internal lock held.
func (m *Manager) emit(ev monitor.Event) {
	m.monMu.Lock()
	mon := m.mon
	m.monMu.Unlock()
	if mon != nil {
		mon.OnEvent(ev)
	}
}

func (m *Manager) emitSnapshot(snap types.SystemSnapshot) {
	m.monMu.Lock()
	mon := m.mon
	m.monMu.Unlock()
	if mon != nil {
		mon.OnSnapshot(snap)
	}
}

// notifyRelease wakes every blocked requester and the background processor.
func (m *Manager) notifyRelease() {
	m.sigMu.Lock()
	close(m.releaseCh)
	m.releaseCh = make(chan struct{})
	m.sigMu.Unlock()
}

// releaseSignal returns the channel the next notifyRelease will close.
func (m *Manager) releaseSignal() <-chan struct{} {
	m.sigMu.Lock()
	defer m.sigMu.Unlock()
	return m.releaseCh
}

// ==================== Resource lifecycle ====================

// RegisterResource inserts the resource and returns its id, assigning a
// fresh one when r.ID is zero.
func (m *Manager) RegisterResource(r Resource) (types.ResourceTypeID, error) {
	const op = "Manager.RegisterResource"

	if r.TotalCapacity < 0 {
		return 0, NewValidationError(op, ErrInvalidCapacity)
	}

	m.mu.Lock()
	if len(m.resources) >= m.cfg.MaxResourceTypes {
		m.mu.Unlock()
		return 0, NewValidationError(op, ErrLimitReached)
	}
	if r.ID == 0 {
		r.ID = m.nextResourceID
		m.nextResourceID++
	} else {
		if _, exists := m.resources[r.ID]; exists {
			m.mu.Unlock()
			return 0, NewValidationError(op, fmt.Errorf("resource id %d already registered", r.ID))
		}
		if r.ID >= m.nextResourceID {
			m.nextResourceID = r.ID + 1
		}
	}
	stored := r
	m.resources[r.ID] = &stored
	m.mu.Unlock()

	m.logger.Info("resource registered",
		slog.Uint64("resource_type", uint64(r.ID)),
		slog.String("name", r.Name),
		slog.Int64("capacity", int64(r.TotalCapacity)))

	m.emit(monitor.NewEvent(monitor.EventResourceRegistered,
		fmt.Sprintf("resource registered: %s", r.Name)).
		WithResource(r.ID).WithQuantity(r.TotalCapacity))

	return r.ID, nil
}

// UnregisterResource removes the resource. Refuses while any units are
// allocated.
func (m *Manager) UnregisterResource(id types.ResourceTypeID) error {
	const op = "Manager.UnregisterResource"

	m.mu.Lock()
	res, ok := m.resources[id]
	if !ok {
		m.mu.Unlock()
		return NewNotFoundError(op, ErrResourceNotFound)
	}
	if res.Allocated > 0 {
		m.mu.Unlock()
		return NewCapacityError(op, fmt.Errorf("resource %d still has %d units allocated", id, res.Allocated))
	}
	delete(m.resources, id)
	m.mu.Unlock()
	return nil
}

// AdjustResourceCapacity changes the resource's total capacity. Refuses to
// drop below the current allocation.
func (m *Manager) AdjustResourceCapacity(id types.ResourceTypeID, capacity types.Quantity) error {
	const op = "Manager.AdjustResourceCapacity"

	m.mu.Lock()
	res, ok := m.resources[id]
	if !ok {
		m.mu.Unlock()
		return NewNotFoundError(op, ErrResourceNotFound)
	}
	if !res.setTotalCapacity(capacity) {
		m.mu.Unlock()
		return NewCapacityError(op, fmt.Errorf("capacity %d is below current allocation %d", capacity, res.Allocated))
	}
	m.mu.Unlock()

	m.emit(monitor.NewEvent(monitor.EventResourceCapacityChanged, "capacity adjusted").
		WithResource(id).WithQuantity(capacity))

	m.notifyRelease()
	return nil
}

// GetResource returns a copy of the resource.
func (m *Manager) GetResource(id types.ResourceTypeID) (Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	res, ok := m.resources[id]
	if !ok {
		return Resource{}, NewNotFoundError("Manager.GetResource", ErrResourceNotFound)
	}
	return *res, nil
}

// GetAllResources returns copies of every registered resource, ordered by id.
func (m *Manager) GetAllResources() []Resource {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Resource, 0, len(m.resources))
	for _, res := range m.resources {
		out = append(out, *res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ==================== Agent lifecycle ====================

// RegisterAgent registers the agent and returns its assigned id. A zero id
// gets a fresh id; a non-zero caller-supplied id is honored when free and
// fails with ErrAgentAlreadyRegistered when already in use.
func (m *Manager) RegisterAgent(a Agent) (types.AgentID, error) {
	const op = "Manager.RegisterAgent"

	m.mu.Lock()
	if len(m.agents) >= m.cfg.MaxAgents {
		m.mu.Unlock()
		return 0, NewValidationError(op, ErrLimitReached)
	}
	if a.ID == 0 {
		a.ID = m.nextAgentID
		m.nextAgentID++
	} else {
		if _, exists := m.agents[a.ID]; exists {
			m.mu.Unlock()
			return 0, NewValidationError(op, ErrAgentAlreadyRegistered)
		}
		if a.ID >= m.nextAgentID {
			m.nextAgentID = a.ID + 1
		}
	}

	registered := a.clone()
	registered.State = types.AgentRegistered
	// Allocation is manager-owned state; a caller cannot register holdings.
	registered.Allocation = make(map[types.ResourceTypeID]types.Quantity)
	m.agents[registered.ID] = &registered
	id := registered.ID
	m.mu.Unlock()

	if m.progress != nil {
		m.progress.RegisterAgent(id)
	}
	if m.delegation != nil {
		m.delegation.RegisterAgent(id)
	}

	m.logger.Info("agent registered",
		slog.Uint64("agent_id", uint64(id)),
		slog.String("name", a.Name),
		slog.Int("priority", int(a.Priority)))

	m.emit(monitor.NewEvent(monitor.EventAgentRegistered,
		fmt.Sprintf("agent registered: %s", a.Name)).WithAgent(id))

	return id, nil
}

// DeregisterAgent removes the agent: every held unit is released back to its
// resource, every queued request for the agent is cancelled (each callback
// fires with StatusCancelled), and the subsystems drop their state for it.
func (m *Manager) DeregisterAgent(id types.AgentID) error {
	const op = "Manager.DeregisterAgent"

	m.mu.Lock()
	ag, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return NewNotFoundError(op, ErrAgentNotFound)
	}
	for rt, qty := range ag.Allocation {
		if res, ok := m.resources[rt]; ok {
			res.deallocate(qty)
		}
	}
	name := ag.Name
	delete(m.agents, id)
	m.mu.Unlock()

	if m.progress != nil {
		m.progress.DeregisterAgent(id)
	}
	if m.delegation != nil {
		m.delegation.DeregisterAgent(id)
	}
	m.estimator.ClearAgent(id)

	m.queue.CancelAllForAgent(id)

	m.emit(monitor.NewEvent(monitor.EventAgentDeregistered,
		fmt.Sprintf("agent deregistered: %s", name)).WithAgent(id))

	m.notifyRelease()
	return nil
}

// UpdateAgentMaxClaim changes the agent's declared max need for one
// resource. Refuses to drop below the current allocation.
func (m *Manager) UpdateAgentMaxClaim(id types.AgentID, rt types.ResourceTypeID, newMax types.Quantity) error {
	const op = "Manager.UpdateAgentMaxClaim"

	m.mu.Lock()
	defer m.mu.Unlock()

	ag, ok := m.agents[id]
	if !ok {
		return NewNotFoundError(op, ErrAgentNotFound)
	}
	if newMax < ag.Allocation[rt] {
		return NewCapacityError(op, fmt.Errorf("max claim %d is below current allocation %d", newMax, ag.Allocation[rt]))
	}
	ag.DeclareMaxNeed(rt, newMax)
	return nil
}

// GetAgent returns a deep copy of the agent.
func (m *Manager) GetAgent(id types.AgentID) (Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ag, ok := m.agents[id]
	if !ok {
		return Agent{}, NewNotFoundError("Manager.GetAgent", ErrAgentNotFound)
	}
	return ag.clone(), nil
}

// GetAllAgents returns deep copies of every registered agent, ordered by id.
func (m *Manager) GetAllAgents() []Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Agent, 0, len(m.agents))
	for _, ag := range m.agents {
		out = append(out, ag.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AgentCount returns the number of registered agents.
func (m *Manager) AgentCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

// ==================== Synchronous requests ====================

// RequestResources requests qty units of a resource for an agent and blocks
// until the grant is safe, the timeout elapses, or ctx is cancelled.
//
// The request is validated first: the agent and resource must exist, the
// quantity must not exceed the resource's total capacity, and — when the
// agent declared a max need for the resource — the grant must not push the
// allocation past it.
//
// A grant happens only when enough units are available AND the hypothetical
// post-grant state passes the Banker's safety check. While either condition
// fails the call waits on the release signal, bounded by the configured
// poll interval, and re-tries. When resources are available but granting
// would be unsafe and no background processor is running, the request is
// denied immediately since nothing can change the state.
func (m *Manager) RequestResources(ctx context.Context, agentID types.AgentID, rt types.ResourceTypeID, qty types.Quantity, opts ...RequestOption) (types.RequestStatus, error) {
	const op = "Manager.RequestResources"

	ctx, end := m.startSpan(ctx, "agentguard.RequestResources", agentID, rt, qty)
	defer end()

	if err := m.validateRequest(op, agentID, rt, qty, true); err != nil {
		return types.StatusDenied, err
	}

	m.emit(monitor.NewEvent(monitor.EventRequestSubmitted, "request submitted").
		WithAgent(agentID).WithResource(rt).WithQuantity(qty))

	m.estimator.RecordRequest(agentID, rt, qty)

	ro := resolveRequestOptions(opts)
	timeout := m.cfg.DefaultRequestTimeout
	if ro.hasTimeout {
		timeout = ro.timeout
	}

	return m.grantLoop(ctx, agentID, rt, qty, timeout, false)
}

// RequestResourcesBatch requests several resources at once; the grant is
// all-or-nothing and committed atomically. Unlike the single-resource path,
// no static max-claim precondition is applied; the safety check alone
// bounds the grant.
func (m *Manager) RequestResourcesBatch(ctx context.Context, agentID types.AgentID, requests map[types.ResourceTypeID]types.Quantity, opts ...RequestOption) (types.RequestStatus, error) {
	const op = "Manager.RequestResourcesBatch"

	m.mu.RLock()
	if _, ok := m.agents[agentID]; !ok {
		m.mu.RUnlock()
		return types.StatusDenied, NewNotFoundError(op, ErrAgentNotFound)
	}
	for rt := range requests {
		if _, ok := m.resources[rt]; !ok {
			m.mu.RUnlock()
			return types.StatusDenied, NewNotFoundError(op, ErrResourceNotFound).
				WithContext(map[string]any{"resource_type": rt})
		}
	}
	m.mu.RUnlock()

	m.emit(monitor.NewEvent(monitor.EventRequestSubmitted, "batch request submitted").
		WithAgent(agentID))

	for rt, qty := range requests {
		m.estimator.RecordRequest(agentID, rt, qty)
	}

	ro := resolveRequestOptions(opts)
	timeout := m.cfg.DefaultRequestTimeout
	if ro.hasTimeout {
		timeout = ro.timeout
	}
	deadline := time.Now().Add(timeout)

	for {
		status, done := m.attemptBatchGrant(agentID, requests)
		if done {
			return status, nil
		}

		if timeout <= 0 || !time.Now().Before(deadline) {
			break
		}
		if cancelled := m.waitForRelease(ctx, deadline); cancelled {
			return types.StatusCancelled, ctx.Err()
		}
		if !time.Now().Before(deadline) {
			break
		}
	}

	m.emit(monitor.NewEvent(monitor.EventRequestTimedOut, "batch request timed out").
		WithAgent(agentID))
	return types.StatusTimedOut, nil
}

// RequestOutcome is the result delivered by the asynchronous request surface.
type RequestOutcome struct {
	Status types.RequestStatus
	Err    error
}

// RequestResourcesAsync runs RequestResources in a goroutine and delivers
// the outcome on the returned channel. The channel is buffered; the result
// never blocks on an absent reader.
func (m *Manager) RequestResourcesAsync(ctx context.Context, agentID types.AgentID, rt types.ResourceTypeID, qty types.Quantity, opts ...RequestOption) <-chan RequestOutcome {
	ch := make(chan RequestOutcome, 1)
	go func() {
		status, err := m.RequestResources(ctx, agentID, rt, qty, opts...)
		ch <- RequestOutcome{Status: status, Err: err}
	}()
	return ch
}

// RequestResourcesCallback enqueues the request and returns immediately;
// the background processor resolves it through cb. The request inherits the
// agent's current priority unless overridden, and never expires unless a
// timeout option is given.
func (m *Manager) RequestResourcesCallback(agentID types.AgentID, rt types.ResourceTypeID, qty types.Quantity, cb types.RequestCallback, opts ...RequestOption) (types.RequestID, error) {
	const op = "Manager.RequestResourcesCallback"

	ro := resolveRequestOptions(opts)

	priority := types.PriorityNormal
	m.mu.RLock()
	if ag, ok := m.agents[agentID]; ok {
		priority = ag.Priority
	}
	m.mu.RUnlock()
	if ro.hasPriority {
		priority = ro.priority
	}

	req := types.ResourceRequest{
		AgentID:      agentID,
		ResourceType: rt,
		Quantity:     qty,
		Priority:     priority,
		Callback:     cb,
	}
	if ro.hasTimeout {
		req.Timeout = ro.timeout
	}

	id, err := m.queue.Enqueue(req)
	if err != nil {
		return 0, NewQueueError(op, ErrQueueFull)
	}

	m.emit(monitor.NewEvent(monitor.EventRequestSubmitted, "request queued").
		WithAgent(agentID).WithResource(rt).WithQuantity(qty).WithRequest(id))
	m.emit(monitor.NewEvent(monitor.EventQueueSizeChanged,
		fmt.Sprintf("queue size now %d", m.queue.Len())).WithRequest(id))

	m.notifyRelease()
	return id, nil
}

// ==================== Releases ====================

// ReleaseResources returns qty units of a resource from the agent back to
// the pool and wakes blocked requesters and the background processor.
func (m *Manager) ReleaseResources(agentID types.AgentID, rt types.ResourceTypeID, qty types.Quantity) error {
	const op = "Manager.ReleaseResources"

	m.mu.Lock()
	ag, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return NewNotFoundError(op, ErrAgentNotFound)
	}
	res, ok := m.resources[rt]
	if !ok {
		m.mu.Unlock()
		return NewNotFoundError(op, ErrResourceNotFound)
	}
	ag.deallocate(rt, qty)
	res.deallocate(qty)
	level := ag.Allocation[rt]
	m.mu.Unlock()

	m.estimator.RecordAllocationLevel(agentID, rt, level)

	m.emit(monitor.NewEvent(monitor.EventResourcesReleased, "resources released").
		WithAgent(agentID).WithResource(rt).WithQuantity(qty))

	m.notifyRelease()
	return nil
}

// ReleaseAllForResource returns every unit the agent holds of one resource.
// A no-op when the agent or holding does not exist.
func (m *Manager) ReleaseAllForResource(agentID types.AgentID, rt types.ResourceTypeID) {
	m.mu.Lock()
	ag, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return
	}
	qty, ok := ag.Allocation[rt]
	if !ok {
		m.mu.Unlock()
		return
	}
	ag.deallocate(rt, qty)
	if res, ok := m.resources[rt]; ok {
		res.deallocate(qty)
	}
	m.mu.Unlock()

	m.emit(monitor.NewEvent(monitor.EventResourcesReleased, "all resources of type released").
		WithAgent(agentID).WithResource(rt).WithQuantity(qty))

	m.notifyRelease()
}

// ReleaseAllResources returns everything the agent holds, atomically.
// A no-op for an unknown agent.
func (m *Manager) ReleaseAllResources(agentID types.AgentID) {
	m.mu.Lock()
	ag, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return
	}
	held := make(map[types.ResourceTypeID]types.Quantity, len(ag.Allocation))
	for rt, qty := range ag.Allocation {
		held[rt] = qty
	}
	for rt, qty := range held {
		ag.deallocate(rt, qty)
		if res, ok := m.resources[rt]; ok {
			res.deallocate(qty)
		}
	}
	m.mu.Unlock()

	m.emit(monitor.NewEvent(monitor.EventResourcesReleased, "all resources released").
		WithAgent(agentID))

	m.notifyRelease()
}

// ==================== Queries ====================

// IsSafe runs the safety check against the live state.
func (m *Manager) IsSafe() bool {
	m.mu.RLock()
	input := m.buildSafetyInputLocked()
	m.mu.RUnlock()
	return m.checker.CheckSafety(input).IsSafe
}

// Snapshot assembles a consistent view of the whole allocation state.
func (m *Manager) Snapshot() types.SystemSnapshot {
	m.mu.RLock()

	snap := types.SystemSnapshot{
		Timestamp:          time.Now(),
		TotalResources:     make(map[types.ResourceTypeID]types.Quantity, len(m.resources)),
		AvailableResources: make(map[types.ResourceTypeID]types.Quantity, len(m.resources)),
	}
	for id, res := range m.resources {
		snap.TotalResources[id] = res.TotalCapacity
		snap.AvailableResources[id] = res.Available()
	}

	snap.Agents = make([]types.AgentAllocationSnapshot, 0, len(m.agents))
	for id, ag := range m.agents {
		c := ag.clone()
		snap.Agents = append(snap.Agents, types.AgentAllocationSnapshot{
			AgentID:    id,
			Name:       c.Name,
			Priority:   c.Priority,
			State:      c.State,
			Allocation: c.Allocation,
			MaxClaim:   c.MaxNeeds,
		})
	}

	input := m.buildSafetyInputLocked()
	m.mu.RUnlock()

	sort.Slice(snap.Agents, func(i, j int) bool { return snap.Agents[i].AgentID < snap.Agents[j].AgentID })
	snap.PendingRequests = m.queue.Len()
	snap.IsSafe = m.checker.CheckSafety(input).IsSafe
	return snap
}

// PendingRequestCount returns the number of queued requests.
func (m *Manager) PendingRequestCount() int {
	return m.queue.Len()
}

// PendingRequestsForResource returns copies of the queued requests for one
// resource type, in queue order.
func (m *Manager) PendingRequestsForResource(rt types.ResourceTypeID) []types.ResourceRequest {
	return m.queue.PendingForResource(rt)
}

// ==================== Lifecycle ====================

// Start spawns the background processor and, when enabled, the stall
// detector. Starting a running manager is a no-op.
func (m *Manager) Start() {
	if m.running.Swap(true) {
		return
	}

	m.stopCh = make(chan struct{})

	if m.progress != nil {
		var action progress.StallAction
		if m.cfg.Progress.AutoReleaseOnStall {
			action = func(id types.AgentID) {
				m.ReleaseAllResources(id)
				m.emit(monitor.NewEvent(monitor.EventAgentResourcesAutoReleased,
					fmt.Sprintf("stalled agent %d resources auto-released", id)).WithAgent(id))
			}
		}
		m.progress.Start(monitorProxy{m}, action)
	}

	m.wg.Add(1)
	go m.processLoop()

	m.logger.Info("manager started", slog.String("manager_id", m.ID))
}

// Stop terminates the background work and waits for it to exit. Stopping a
// stopped manager is a no-op.
func (m *Manager) Stop() {
	if !m.running.Swap(false) {
		return
	}

	if m.progress != nil {
		m.progress.Stop()
	}

	close(m.stopCh)
	m.notifyRelease()
	m.queue.Notify()
	m.wg.Wait()

	m.logger.Info("manager stopped", slog.String("manager_id", m.ID))
}

// IsRunning reports whether the background processor is live.
func (m *Manager) IsRunning() bool {
	return m.running.Load()
}

// ==================== Progress API ====================

// ReportProgress records an agent heartbeat. A no-op when progress tracking
// is disabled.
func (m *Manager) ReportProgress(id types.AgentID, metric string, value float64) {
	if m.progress != nil {
		m.progress.ReportProgress(id, metric, value)
	}
}

// SetAgentStallThreshold overrides the stall threshold for one agent.
func (m *Manager) SetAgentStallThreshold(id types.AgentID, threshold time.Duration) {
	if m.progress != nil {
		m.progress.SetStallThreshold(id, threshold)
	}
}

// IsAgentStalled reports whether the agent is currently flagged as stalled.
func (m *Manager) IsAgentStalled(id types.AgentID) bool {
	return m.progress != nil && m.progress.IsStalled(id)
}

// StalledAgents returns the ids of every currently stalled agent.
func (m *Manager) StalledAgents() []types.AgentID {
	if m.progress == nil {
		return nil
	}
	return m.progress.StalledAgents()
}

// ==================== Delegation API ====================

// ReportDelegation records a task hand-off and runs cycle detection. With
// delegation tracking disabled the hand-off is trivially accepted.
func (m *Manager) ReportDelegation(from, to types.AgentID, taskDescription string) delegation.Result {
	if m.delegation == nil {
		return delegation.Result{Accepted: true}
	}
	return m.delegation.ReportDelegation(from, to, taskDescription)
}

// CompleteDelegation removes the delegation edge.
func (m *Manager) CompleteDelegation(from, to types.AgentID) {
	if m.delegation != nil {
		m.delegation.CompleteDelegation(from, to)
	}
}

// CancelDelegation removes the delegation edge.
func (m *Manager) CancelDelegation(from, to types.AgentID) {
	if m.delegation != nil {
		m.delegation.CancelDelegation(from, to)
	}
}

// GetAllDelegations returns every active delegation edge.
func (m *Manager) GetAllDelegations() []types.DelegationInfo {
	if m.delegation == nil {
		return nil
	}
	return m.delegation.Delegations()
}

// GetDelegationsFrom returns the active delegation edges originating at the
// agent.
func (m *Manager) GetDelegationsFrom(from types.AgentID) []types.DelegationInfo {
	if m.delegation == nil {
		return nil
	}
	return m.delegation.DelegationsFrom(from)
}

// GetDelegationsTo returns the active delegation edges terminating at the
// agent.
func (m *Manager) GetDelegationsTo(to types.AgentID) []types.DelegationInfo {
	if m.delegation == nil {
		return nil
	}
	return m.delegation.DelegationsTo(to)
}

// FindDelegationCycle scans the delegation graph for any closed cycle.
func (m *Manager) FindDelegationCycle() ([]types.AgentID, bool) {
	if m.delegation == nil {
		return nil, false
	}
	return m.delegation.FindCycle()
}

// ==================== Internal grant machinery ====================

// validateRequest enforces the static preconditions of a single request.
// checkMaxClaim applies the declared-max-need bound (static request path).
func (m *Manager) validateRequest(op string, agentID types.AgentID, rt types.ResourceTypeID, qty types.Quantity, checkMaxClaim bool) error {
	if qty < 0 {
		return NewValidationError(op, fmt.Errorf("negative quantity %d", qty))
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	ag, ok := m.agents[agentID]
	if !ok {
		return NewNotFoundError(op, ErrAgentNotFound).
			WithContext(map[string]any{"agent_id": agentID})
	}
	res, ok := m.resources[rt]
	if !ok {
		return NewNotFoundError(op, ErrResourceNotFound).
			WithContext(map[string]any{"resource_type": rt})
	}

	if checkMaxClaim {
		if max, declared := ag.MaxNeeds[rt]; declared {
			if ag.Allocation[rt]+qty > max {
				return NewCapacityError(op, ErrMaxClaimExceeded).WithContext(map[string]any{
					"agent_id":  agentID,
					"requested": qty,
					"max_claim": max,
				})
			}
		}
	}

	if qty > res.TotalCapacity {
		return NewCapacityError(op, ErrCapacityExceeded).WithContext(map[string]any{
			"requested": qty,
			"capacity":  res.TotalCapacity,
		})
	}
	return nil
}

// grantLoop runs the blocking grant protocol shared by the static and
// adaptive request paths.
func (m *Manager) grantLoop(ctx context.Context, agentID types.AgentID, rt types.ResourceTypeID, qty types.Quantity, timeout time.Duration, adaptive bool) (types.RequestStatus, error) {
	deadline := time.Now().Add(timeout)

	for {
		status, done := m.attemptGrant(agentID, rt, qty, adaptive)
		if done {
			return status, nil
		}

		if timeout <= 0 || !time.Now().Before(deadline) {
			break
		}
		if cancelled := m.waitForRelease(ctx, deadline); cancelled {
			return types.StatusCancelled, ctx.Err()
		}
		if !time.Now().Before(deadline) {
			break
		}
	}

	m.emit(monitor.NewEvent(monitor.EventRequestTimedOut, "request timed out").
		WithAgent(agentID).WithResource(rt).WithQuantity(qty))
	return types.StatusTimedOut, nil
}

// attemptGrant makes one pass at granting. The bool result is true when the
// request reached a terminal status.
func (m *Manager) attemptGrant(agentID types.AgentID, rt types.ResourceTypeID, qty types.Quantity, adaptive bool) (types.RequestStatus, bool) {
	m.mu.Lock()

	res, okRes := m.resources[rt]
	ag, okAg := m.agents[agentID]
	if !okRes || !okAg {
		m.mu.Unlock()
		m.emit(monitor.NewEvent(monitor.EventRequestDenied, "agent or resource no longer exists").
			WithAgent(agentID).WithResource(rt).WithQuantity(qty))
		return types.StatusDenied, true
	}

	if res.Available() < qty {
		m.mu.Unlock()
		return types.StatusPending, false
	}

	var (
		safe       bool
		checkEvent monitor.Event
	)
	start := time.Now()
	if adaptive {
		input := m.buildAdaptiveSafetyInputLocked(m.cfg.Adaptive.DefaultConfidenceLevel)
		result := m.checker.CheckHypotheticalProbabilistic(input, agentID, rt, qty, m.cfg.Adaptive.DefaultConfidenceLevel)
		safe = result.IsSafe
		checkEvent = monitor.NewEvent(monitor.EventProbabilisticSafetyCheck, result.Reason)
	} else {
		input := m.buildSafetyInputLocked()
		result := m.checker.CheckHypothetical(input, agentID, rt, qty)
		safe = result.IsSafe
		checkEvent = monitor.NewEvent(monitor.EventSafetyCheckPerformed, result.Reason)
	}
	checkEvent = checkEvent.
		WithAgent(agentID).WithResource(rt).WithQuantity(qty).
		WithSafetyResult(safe).WithDuration(time.Since(start))

	if safe {
		res.allocate(qty)
		ag.allocate(rt, qty)
		level := ag.Allocation[rt]
		m.mu.Unlock()

		m.estimator.RecordAllocationLevel(agentID, rt, level)
		m.emit(checkEvent)
		m.emit(monitor.NewEvent(monitor.EventRequestGranted, "request granted").
			WithAgent(agentID).WithResource(rt).WithQuantity(qty))
		return types.StatusGranted, true
	}

	running := m.running.Load()
	m.mu.Unlock()

	m.emit(checkEvent)
	m.emit(monitor.NewEvent(monitor.EventUnsafeStateDetected, "grant would create unsafe state").
		WithAgent(agentID).WithResource(rt))

	if !running {
		// Nothing will ever change the state; waiting is pointless.
		m.emit(monitor.NewEvent(monitor.EventRequestDenied, "unsafe state and no processor running").
			WithAgent(agentID).WithResource(rt).WithQuantity(qty))
		return types.StatusDenied, true
	}
	return types.StatusPending, false
}

// attemptBatchGrant makes one pass at an all-or-nothing batch grant.
func (m *Manager) attemptBatchGrant(agentID types.AgentID, requests map[types.ResourceTypeID]types.Quantity) (types.RequestStatus, bool) {
	m.mu.Lock()

	ag, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		m.emit(monitor.NewEvent(monitor.EventRequestDenied, "agent no longer exists").
			WithAgent(agentID))
		return types.StatusDenied, true
	}

	for rt, qty := range requests {
		res, ok := m.resources[rt]
		if !ok {
			m.mu.Unlock()
			m.emit(monitor.NewEvent(monitor.EventRequestDenied, "resource no longer exists").
				WithAgent(agentID).WithResource(rt))
			return types.StatusDenied, true
		}
		if res.Available() < qty {
			m.mu.Unlock()
			return types.StatusPending, false
		}
	}

	batch := make([]types.ResourceRequest, 0, len(requests))
	for rt, qty := range requests {
		batch = append(batch, types.ResourceRequest{
			AgentID:      agentID,
			ResourceType: rt,
			Quantity:     qty,
		})
	}

	input := m.buildSafetyInputLocked()
	start := time.Now()
	result := m.checker.CheckHypotheticalBatch(input, batch)
	checkEvent := monitor.NewEvent(monitor.EventSafetyCheckPerformed, result.Reason).
		WithAgent(agentID).WithSafetyResult(result.IsSafe).WithDuration(time.Since(start))

	if result.IsSafe {
		for rt, qty := range requests {
			m.resources[rt].allocate(qty)
			ag.allocate(rt, qty)
		}
		levels := make(map[types.ResourceTypeID]types.Quantity, len(requests))
		for rt := range requests {
			levels[rt] = ag.Allocation[rt]
		}
		m.mu.Unlock()

		for rt, level := range levels {
			m.estimator.RecordAllocationLevel(agentID, rt, level)
		}
		m.emit(checkEvent)
		m.emit(monitor.NewEvent(monitor.EventRequestGranted, "batch granted").
			WithAgent(agentID))
		return types.StatusGranted, true
	}

	running := m.running.Load()
	m.mu.Unlock()

	m.emit(checkEvent)
	m.emit(monitor.NewEvent(monitor.EventUnsafeStateDetected, "batch grant would create unsafe state").
		WithAgent(agentID))

	if !running {
		m.emit(monitor.NewEvent(monitor.EventRequestDenied, "batch unsafe and no processor running").
			WithAgent(agentID))
		return types.StatusDenied, true
	}
	return types.StatusPending, false
}

// waitForRelease blocks until the next release signal, the poll interval,
// the deadline, or ctx cancellation. Returns true when ctx was cancelled.
func (m *Manager) waitForRelease(ctx context.Context, deadline time.Time) bool {
	wait := time.Until(deadline)
	if wait > m.cfg.ProcessorPollInterval {
		wait = m.cfg.ProcessorPollInterval
	}
	if wait <= 0 {
		return false
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-m.releaseSignal():
	case <-timer.C:
	case <-ctx.Done():
		return true
	}
	return false
}

// buildSafetyInputLocked snapshots the allocation state for the safety
// checker. Caller must hold m.mu (shared or exclusive).
func (m *Manager) buildSafetyInputLocked() safety.Input {
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
	for id, ag := range m.agents {
		alloc := make(map[types.ResourceTypeID]types.Quantity, len(ag.Allocation))
		for rt, q := range ag.Allocation {
			alloc[rt] = q
		}
		need := make(map[types.ResourceTypeID]types.Quantity, len(ag.MaxNeeds))
		for rt, q := range ag.MaxNeeds {
			need[rt] = q
		}
		input.Allocation[id] = alloc
		input.MaxNeed[id] = need
	}
	return input
}

// processLoop drives queued requests: on every pass it asks the scheduling
// policy to order the pending set, attempts each candidate under the safety
// check, expires timed-out requests, and emits periodic snapshots.
func (m *Manager) processLoop() {
	defer m.wg.Done()

	lastSnapshot := time.Now()

	for m.running.Load() {
		m.tryGrantPending()

		if m.cfg.EnableTimeoutExpiration {
			for _, id := range m.queue.ExpireTimedOut(time.Now()) {
				m.emit(monitor.NewEvent(monitor.EventRequestTimedOut, "queued request timed out").
					WithRequest(id))
			}
		}

		if m.cfg.SnapshotInterval > 0 && time.Since(lastSnapshot) >= m.cfg.SnapshotInterval {
			m.emitSnapshot(m.Snapshot())
			lastSnapshot = time.Now()
		}

		timer := time.NewTimer(m.cfg.ProcessorPollInterval)
		select {
		case <-m.releaseSignal():
		case <-timer.C:
		case <-m.stopCh:
			timer.Stop()
			return
		}
		timer.Stop()
	}
}

// tryGrantPending attempts every pending request in policy order. The
// policy's output is advisory: the safety checker may veto any candidate,
// and vetoed candidates stay queued for the next pass.
func (m *Manager) tryGrantPending() {
	pending := m.queue.Pending()
	if len(pending) == 0 {
		return
	}

	snapshot := m.Snapshot()
	ordered := m.currentPolicy().Prioritize(pending, snapshot)

	for _, req := range ordered {
		m.mu.Lock()

		res, okRes := m.resources[req.ResourceType]
		ag, okAg := m.agents[req.AgentID]
		if !okRes || !okAg {
			m.mu.Unlock()
			if m.queue.Cancel(req.ID) {
				m.emit(monitor.NewEvent(monitor.EventRequestCancelled, "owner or resource gone").
					WithAgent(req.AgentID).WithResource(req.ResourceType).WithRequest(req.ID))
			}
			continue
		}

		if res.Available() < req.Quantity {
			m.mu.Unlock()
			continue
		}

		input := m.buildSafetyInputLocked()
		start := time.Now()
		result := m.checker.CheckHypothetical(input, req.AgentID, req.ResourceType, req.Quantity)
		checkEvent := monitor.NewEvent(monitor.EventSafetyCheckPerformed, result.Reason).
			WithAgent(req.AgentID).WithResource(req.ResourceType).WithRequest(req.ID).
			WithQuantity(req.Quantity).WithSafetyResult(result.IsSafe).WithDuration(time.Since(start))

		if !result.IsSafe {
			m.mu.Unlock()
			m.emit(checkEvent)
			continue
		}

		// Claim the request before committing so it resolves exactly once
		// even if it was cancelled concurrently.
		if _, stillQueued := m.queue.Remove(req.ID); !stillQueued {
			m.mu.Unlock()
			continue
		}

		res.allocate(req.Quantity)
		ag.allocate(req.ResourceType, req.Quantity)
		level := ag.Allocation[req.ResourceType]
		m.mu.Unlock()

		m.estimator.RecordAllocationLevel(req.AgentID, req.ResourceType, level)
		m.emit(checkEvent)
		m.emit(monitor.NewEvent(monitor.EventRequestGranted, "queued request granted").
			WithAgent(req.AgentID).WithResource(req.ResourceType).WithRequest(req.ID).
			WithQuantity(req.Quantity))

		if req.Callback != nil {
			req.Callback(req.ID, types.StatusGranted)
		}
	}
}

// startSpan opens a tracing span around a request when a tracer is
// configured.
func (m *Manager) startSpan(ctx context.Context, name string, agentID types.AgentID, rt types.ResourceTypeID, qty types.Quantity) (context.Context, func()) {
	if m.tracer == nil {
		return ctx, func() {}
	}
	ctx, span := m.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.Int64("agentguard.agent_id", int64(agentID)),
		attribute.Int64("agentguard.resource_type", int64(rt)),
		attribute.Int64("agentguard.quantity", int64(qty)),
	))
	return ctx, func() { span.End() }
}
