// Package types defines the shared identifiers, enumerations, and value
// types used across the AgentGuard coordination engine: agent, resource,
// and request identifiers, priority bands, lifecycle states, resource
// requests, and system snapshots.
//
// The types in this package are plain values with no behavior beyond small
// convenience accessors. Ownership of live state belongs to the resource
// manager; everything handed out through this package is a copy.
package types
