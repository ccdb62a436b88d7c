// Package delegation tracks active task hand-offs between agents as a
// directed graph and detects delegation cycles the moment an edge is
// inserted. A cycle of delegations is the task-level analogue of a resource
// deadlock: every agent in the loop is waiting for another loop member to
// finish work on its behalf.
package delegation

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentguard-ai/agentguard/monitor"
	"github.com/agentguard-ai/agentguard/types"
)

// CycleAction decides what happens to a delegation edge that closes a cycle.
type CycleAction string

const (
	// NotifyOnly keeps the edge and only emits a cycle event.
	NotifyOnly CycleAction = "notify_only"

	// RejectDelegation removes the edge and reports the delegation as not
	// accepted.
	RejectDelegation CycleAction = "reject"

	// CancelLatest removes the edge and additionally emits a cancellation
	// event for it.
	CancelLatest CycleAction = "cancel_latest"
)

// Config controls delegation tracking.
type Config struct {
	// Enabled turns the tracker on inside the resource manager.
	Enabled bool `yaml:"enabled"`

	// CycleAction is applied when a reported delegation closes a cycle.
	CycleAction CycleAction `yaml:"cycle_action"`
}

// DefaultConfig returns the delegation defaults.
func DefaultConfig() Config {
	return Config{Enabled: false, CycleAction: NotifyOnly}
}

// Result is the outcome of reporting a delegation.
type Result struct {
	// Accepted reports whether the edge remains in the graph.
	Accepted bool

	// CycleDetected reports whether inserting the edge closed a cycle.
	CycleDetected bool

	// CyclePath is the closed cycle [from, ..., from] when one was found.
	CyclePath []types.AgentID
}

type edgeKey struct {
	from, to types.AgentID
}

// Tracker is the delegation graph with incremental cycle detection.
// All methods are safe for concurrent use; events are emitted outside the
// internal lock.
type Tracker struct {
	cfg Config

	mu    sync.Mutex
	known map[types.AgentID]struct{}
	adj   map[types.AgentID]map[types.AgentID]struct{}
	edges map[edgeKey]types.DelegationInfo

	monMu sync.Mutex
	mon   monitor.Monitor
}

// New returns an empty tracker.
func New(cfg Config) *Tracker {
	if cfg.CycleAction == "" {
		cfg.CycleAction = NotifyOnly
	}
	return &Tracker{
		cfg:   cfg,
		known: make(map[types.AgentID]struct{}),
		adj:   make(map[types.AgentID]map[types.AgentID]struct{}),
		edges: make(map[edgeKey]types.DelegationInfo),
	}
}

// SetMonitor wires the event sink.
func (t *Tracker) SetMonitor(mon monitor.Monitor) {
	t.monMu.Lock()
	t.mon = mon
	t.monMu.Unlock()
}

// RegisterAgent adds the agent to the set of valid delegation endpoints.
func (t *Tracker) RegisterAgent(id types.AgentID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.known[id] = struct{}{}
}

// DeregisterAgent removes the agent and every incident edge. No events are
// emitted for the removed edges.
func (t *Tracker) DeregisterAgent(id types.AgentID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.known, id)

	if targets, ok := t.adj[id]; ok {
		for to := range targets {
			delete(t.edges, edgeKey{id, to})
		}
		delete(t.adj, id)
	}
	for from, targets := range t.adj {
		if _, ok := targets[id]; ok {
			delete(targets, id)
			delete(t.edges, edgeKey{from, id})
			if len(targets) == 0 {
				delete(t.adj, from)
			}
		}
	}
}

// ReportDelegation inserts the edge from -> to and checks whether it closes
// a cycle. Both endpoints must be registered; otherwise the delegation is
// rejected without cycle detection. On a cycle, the configured CycleAction
// decides the fate of the edge.
func (t *Tracker) ReportDelegation(from, to types.AgentID, taskDescription string) Result {
	var result Result
	cancelLatest := false

	t.mu.Lock()
	if _, ok := t.known[from]; !ok {
		t.mu.Unlock()
		return Result{}
	}
	if _, ok := t.known[to]; !ok {
		t.mu.Unlock()
		return Result{}
	}

	t.addEdgeLocked(from, to, taskDescription)

	cyclePath := t.cycleFromLocked(from, to)
	if len(cyclePath) > 0 {
		result.CycleDetected = true
		result.CyclePath = cyclePath

		switch t.cfg.CycleAction {
		case RejectDelegation:
			t.removeEdgeLocked(from, to)
		case CancelLatest:
			t.removeEdgeLocked(from, to)
			cancelLatest = true
		default: // NotifyOnly
			result.Accepted = true
		}
	} else {
		result.Accepted = true
	}
	t.mu.Unlock()

	if result.Accepted {
		t.emit(monitor.NewEvent(monitor.EventDelegationReported,
			fmt.Sprintf("delegation reported: agent %d -> agent %d", from, to)).
			WithAgent(from).WithTarget(to))
	}
	if result.CycleDetected {
		t.emit(monitor.NewEvent(monitor.EventDelegationCycleDetected,
			fmt.Sprintf("delegation cycle detected involving agent %d -> agent %d", from, to)).
			WithAgent(from).WithTarget(to).WithCycle(result.CyclePath))
	}
	if cancelLatest {
		t.emit(monitor.NewEvent(monitor.EventDelegationCancelled,
			fmt.Sprintf("delegation cancelled (cycle prevention): agent %d -> agent %d", from, to)).
			WithAgent(from).WithTarget(to))
	}

	return result
}

// CompleteDelegation removes the edge and emits a completion event.
// Removing a non-existent edge is a silent no-op for the graph.
func (t *Tracker) CompleteDelegation(from, to types.AgentID) {
	t.mu.Lock()
	t.removeEdgeLocked(from, to)
	t.mu.Unlock()

	t.emit(monitor.NewEvent(monitor.EventDelegationCompleted,
		fmt.Sprintf("delegation completed: agent %d -> agent %d", from, to)).
		WithAgent(from).WithTarget(to))
}

// CancelDelegation removes the edge and emits a cancellation event.
func (t *Tracker) CancelDelegation(from, to types.AgentID) {
	t.mu.Lock()
	t.removeEdgeLocked(from, to)
	t.mu.Unlock()

	t.emit(monitor.NewEvent(monitor.EventDelegationCancelled,
		fmt.Sprintf("delegation cancelled: agent %d -> agent %d", from, to)).
		WithAgent(from).WithTarget(to))
}

// Delegations returns every active edge, ordered by (from, to).
func (t *Tracker) Delegations() []types.DelegationInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]types.DelegationInfo, 0, len(t.edges))
	for _, info := range t.edges {
		out = append(out, info)
	}
	sortInfos(out)
	return out
}

// DelegationsFrom returns the active edges originating at the agent.
func (t *Tracker) DelegationsFrom(from types.AgentID) []types.DelegationInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []types.DelegationInfo
	for to := range t.adj[from] {
		if info, ok := t.edges[edgeKey{from, to}]; ok {
			out = append(out, info)
		}
	}
	sortInfos(out)
	return out
}

// DelegationsTo returns the active edges terminating at the agent.
func (t *Tracker) DelegationsTo(to types.AgentID) []types.DelegationInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []types.DelegationInfo
	for from, targets := range t.adj {
		if _, ok := targets[to]; ok {
			if info, ok := t.edges[edgeKey{from, to}]; ok {
				out = append(out, info)
			}
		}
	}
	sortInfos(out)
	return out
}

// FindCycle scans the whole graph and returns any closed cycle as
// [v, ..., v], or false when the graph is acyclic.
func (t *Tracker) FindCycle() ([]types.AgentID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.anyCycleLocked()
}

func (t *Tracker) addEdgeLocked(from, to types.AgentID, taskDescription string) {
	targets, ok := t.adj[from]
	if !ok {
		targets = make(map[types.AgentID]struct{})
		t.adj[from] = targets
	}
	targets[to] = struct{}{}
	t.edges[edgeKey{from, to}] = types.DelegationInfo{
		From:            from,
		To:              to,
		TaskDescription: taskDescription,
		Timestamp:       time.Now(),
	}
}

func (t *Tracker) removeEdgeLocked(from, to types.AgentID) {
	if targets, ok := t.adj[from]; ok {
		delete(targets, to)
		if len(targets) == 0 {
			delete(t.adj, from)
		}
	}
	delete(t.edges, edgeKey{from, to})
}

// neighborsLocked returns the sorted successors of a node, keeping search
// order and reported cycle paths deterministic.
func (t *Tracker) neighborsLocked(id types.AgentID) []types.AgentID {
	targets := t.adj[id]
	out := make([]types.AgentID, 0, len(targets))
	for to := range targets {
		out = append(out, to)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// cycleFromLocked checks, after inserting from -> to, whether a path leads
// from to back to from. A self-delegation is the trivial cycle. On success
// the returned path is [from, to, ..., from].
func (t *Tracker) cycleFromLocked(from, to types.AgentID) []types.AgentID {
	if from == to {
		return []types.AgentID{from, from}
	}

	// BFS from 'to' looking for 'from'.
	queue := []types.AgentID{to}
	visited := map[types.AgentID]struct{}{to: {}}
	parent := make(map[types.AgentID]types.AgentID)

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, neighbor := range t.neighborsLocked(current) {
			if neighbor == from {
				// Reconstruct to -> ... -> current, then close the loop.
				var segment []types.AgentID
				for node := current; node != to; node = parent[node] {
					segment = append(segment, node)
				}
				segment = append(segment, to)

				path := make([]types.AgentID, 0, len(segment)+2)
				path = append(path, from)
				for i := len(segment) - 1; i >= 0; i-- {
					path = append(path, segment[i])
				}
				path = append(path, from)
				return path
			}
			if _, seen := visited[neighbor]; !seen {
				visited[neighbor] = struct{}{}
				parent[neighbor] = current
				queue = append(queue, neighbor)
			}
		}
	}
	return nil
}

// anyCycleLocked runs an iterative DFS with three-color marking over the
// whole graph.
func (t *Tracker) anyCycleLocked() ([]types.AgentID, bool) {
	const (
		white = iota
		gray
		black
	)

	color := make(map[types.AgentID]int)
	roots := make([]types.AgentID, 0, len(t.known))
	for id := range t.known {
		roots = append(roots, id)
	}
	for from, targets := range t.adj {
		if _, ok := t.known[from]; !ok {
			roots = append(roots, from)
		}
		for to := range targets {
			if _, ok := t.known[to]; !ok {
				roots = append(roots, to)
			}
		}
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i] < roots[j] })

	type frame struct {
		node      types.AgentID
		neighbors []types.AgentID
		next      int
	}

	for _, root := range roots {
		if color[root] != white {
			continue
		}

		color[root] = gray
		stack := []frame{{node: root, neighbors: t.neighborsLocked(root)}}

		for len(stack) > 0 {
			top := &stack[len(stack)-1]

			if top.next < len(top.neighbors) {
				neighbor := top.neighbors[top.next]
				top.next++

				switch color[neighbor] {
				case gray:
					// Back edge: the stack holds the current path; close
					// the cycle at 'neighbor'.
					var cycle []types.AgentID
					start := 0
					for i, f := range stack {
						if f.node == neighbor {
							start = i
							break
						}
					}
					for _, f := range stack[start:] {
						cycle = append(cycle, f.node)
					}
					cycle = append(cycle, neighbor)
					return cycle, true
				case white:
					color[neighbor] = gray
					stack = append(stack, frame{node: neighbor, neighbors: t.neighborsLocked(neighbor)})
				}
			} else {
				color[top.node] = black
				stack = stack[:len(stack)-1]
			}
		}
	}
	return nil, false
}

func (t *Tracker) emit(ev monitor.Event) {
	t.monMu.Lock()
	mon := t.mon
	t.monMu.Unlock()
	if mon != nil {
		mon.OnEvent(ev)
	}
}

func sortInfos(infos []types.DelegationInfo) {
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].From != infos[j].From {
			return infos[i].From < infos[j].From
		}
		return infos[i].To < infos[j].To
	})
}
