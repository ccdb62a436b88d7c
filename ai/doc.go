// Package ai provides helper constructors for the resource shapes common in
// AI-agent workloads: API rate limits, token budgets, tool slots, and memory
// pools. Each helper captures the domain-specific metadata and converts to a
// generic agentguard.Resource via AsResource; the coordination engine itself
// only ever sees the generic form.
package ai
