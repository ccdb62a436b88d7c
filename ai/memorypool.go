package ai

import (
	"github.com/agentguard-ai/agentguard"
	"github.com/agentguard-ai/agentguard/types"
)

// MemoryUnit is the unit a memory pool is measured in.
type MemoryUnit string

const (
	Bytes     MemoryUnit = "bytes"
	Kilobytes MemoryUnit = "kilobytes"
	Megabytes MemoryUnit = "megabytes"
	Tokens    MemoryUnit = "tokens"
	Entries   MemoryUnit = "entries"
)

// MemoryPool models shared memory capacity: context windows, vector DB
// slots, embedding caches.
type MemoryPool struct {
	// Name names the pool.
	Name string

	// TotalCapacity is the pool size in Unit.
	TotalCapacity types.Quantity

	// Unit is what the capacity counts.
	Unit MemoryUnit

	// EvictionPolicy names the policy the backing store applies when full.
	// Informational; eviction itself is external.
	EvictionPolicy string

	// FragmentationThreshold is the fraction of waste at which the backing
	// store should compact. Informational.
	FragmentationThreshold float64
}

// NewMemoryPool returns a memory pool with LRU eviction and a 0.3
// fragmentation threshold.
func NewMemoryPool(name string, capacity types.Quantity, unit MemoryUnit) *MemoryPool {
	return &MemoryPool{
		Name:                   name,
		TotalCapacity:          capacity,
		Unit:                   unit,
		EvictionPolicy:         "LRU",
		FragmentationThreshold: 0.3,
	}
}

// AsResource converts the pool to a generic resource.
func (p *MemoryPool) AsResource() (agentguard.Resource, error) {
	return agentguard.NewResource(p.Name, types.CategoryMemoryPool, p.TotalCapacity)
}
