package ai

import (
	"time"

	"github.com/agentguard-ai/agentguard"
	"github.com/agentguard-ai/agentguard/types"
)

// AccessMode describes how agents may share a tool.
type AccessMode string

const (
	// Exclusive admits one agent at a time.
	Exclusive AccessMode = "exclusive"

	// SharedRead admits multiple concurrent readers, one writer.
	SharedRead AccessMode = "shared-read"

	// Concurrent admits agents up to the slot limit.
	Concurrent AccessMode = "concurrent"
)

// ToolSlot models access to a tool (code interpreter, browser, shell) with
// a bounded number of concurrent users.
type ToolSlot struct {
	// ToolName names the tool.
	ToolName string

	// Mode is how agents share the tool.
	Mode AccessMode

	// MaxConcurrentUsers bounds concurrent holders. Exclusive tools use 1.
	MaxConcurrentUsers types.Quantity

	// EstimatedUsageDuration optionally hints how long one use takes.
	EstimatedUsageDuration time.Duration

	// FallbackTool optionally names a substitute resource to try when this
	// one is saturated.
	FallbackTool types.ResourceTypeID
}

// NewToolSlot returns a tool slot. Exclusive mode forces the concurrency
// limit to one.
func NewToolSlot(toolName string, mode AccessMode, maxConcurrent types.Quantity) *ToolSlot {
	if mode == Exclusive {
		maxConcurrent = 1
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &ToolSlot{
		ToolName:           toolName,
		Mode:               mode,
		MaxConcurrentUsers: maxConcurrent,
	}
}

// AsResource converts the slot to a generic resource with the concurrency
// limit as capacity.
func (t *ToolSlot) AsResource() (agentguard.Resource, error) {
	return agentguard.NewResource(t.ToolName, types.CategoryToolSlot, t.MaxConcurrentUsers)
}
