// Package agentguard is a coordination library that prevents deadlocks and
// related pathologies when many autonomous agents compete for limited shared
// resources: API rate-limit slots, token budgets, tool slots, memory pools,
// GPU slots.
//
// At its heart sits a resource manager that accepts typed resource requests,
// evaluates each against the Banker's Algorithm, and grants, denies, queues,
// or times out the request so that the global allocation state stays safe —
// every registered agent can still complete its declared work under some
// serialization.
//
// # Core Concepts
//
//   - Resources: registered pools of interchangeable units with a total
//     capacity and an allocated count.
//   - Agents: registered workers that declare maximum needs, hold
//     allocations, and compete for grants at a priority.
//   - Safety: a state is safe when an order exists in which every agent can
//     acquire its remaining declared need and finish. The safety checker in
//     package safety decides this for every would-be grant.
//   - Requests: synchronous (blocking with timeout), batch (all-or-nothing),
//     asynchronous (result channel), and callback (queued) forms.
//   - Policies: pluggable orderings (package policy) the background
//     processor applies to the pending queue before attempting grants.
//
// # Getting Started
//
//	mgr := agentguard.NewManager(agentguard.DefaultConfig(),
//	    agentguard.WithLogger(logger),
//	    agentguard.WithPolicy(policy.Priority{}),
//	)
//	mgr.Start()
//	defer mgr.Stop()
//
//	gpu, _ := agentguard.NewResource("gpu-slots", types.CategoryGPUCompute, 4)
//	gpuID, _ := mgr.RegisterResource(gpu)
//
//	worker := agentguard.NewAgent("worker-1", types.PriorityNormal)
//	worker.DeclareMaxNeed(gpuID, 2)
//	workerID, _ := mgr.RegisterAgent(worker)
//
//	status, err := mgr.RequestResources(ctx, workerID, gpuID, 1)
//	if err == nil && status == types.StatusGranted {
//	    defer mgr.ReleaseResources(workerID, gpuID, 1)
//	    // do work
//	}
//
// # Hardening Subsystems
//
// Three auxiliary subsystems harden the engine for long-running, partially
// observable workers:
//
//   - Progress tracking (package progress) detects stalled agents from
//     missing heartbeats and can auto-release their holdings.
//   - Delegation tracking (package delegation) detects cycles in the
//     directed graph of task hand-offs between agents.
//   - Demand estimation (package estimator) learns per-agent usage
//     statistics and enables a probabilistic safety check for agents that
//     cannot declare needs upfront.
//
// # Observability
//
// Every observable action emits a typed event (package monitor) outside any
// internal lock. Sinks ship for structured logging (slog), in-process metric
// aggregation, OpenTelemetry export, and redis pub/sub; monitor.NewMulti
// fans out to several at once. An optional OpenTelemetry tracer wraps the
// blocking request paths in spans.
//
// # Thread Safety
//
// All manager methods are safe for concurrent use. Request callbacks,
// monitor emissions, and stall actions run without any internal lock held;
// callback bodies must not block indefinitely and must not call back into
// the manager's blocking request methods.
package agentguard
