package agentguard

import (
	"time"

	"github.com/agentguard-ai/agentguard/types"
)

// Resource is one registered resource type: a pool of interchangeable units
// (API rate-limit slots, tokens, tool slots, megabytes) that agents compete
// for.
//
// Resources are owned by the manager once registered; queries return copies
// and all mutation goes through the manager's grant and release paths.
type Resource struct {
	// ID uniquely identifies the resource type. Leave zero to have the
	// manager assign one on registration.
	ID types.ResourceTypeID

	// Name is the human-readable name.
	Name string

	// Category tags the resource with its workload taxonomy.
	Category types.ResourceCategory

	// TotalCapacity is the number of units that exist.
	TotalCapacity types.Quantity

	// Allocated is the number of units currently granted out.
	Allocated types.Quantity

	// ReplenishInterval optionally records how often the underlying budget
	// refills (rate limits, token budgets). Zero means not applicable.
	// Informational only; replenishment itself is external.
	ReplenishInterval time.Duration

	// CostPerUnit optionally records the monetary cost of one unit.
	CostPerUnit float64
}

// NewResource returns a resource with the given name, category, and total
// capacity. Returns ErrInvalidCapacity when capacity is negative.
func NewResource(name string, category types.ResourceCategory, capacity types.Quantity) (Resource, error) {
	if capacity < 0 {
		return Resource{}, NewValidationError("NewResource", ErrInvalidCapacity)
	}
	return Resource{
		Name:          name,
		Category:      category,
		TotalCapacity: capacity,
	}, nil
}

// Available returns the number of unallocated units.
func (r Resource) Available() types.Quantity {
	return r.TotalCapacity - r.Allocated
}

// allocate commits qty units. Caller (the manager) has already verified
// availability and safety.
func (r *Resource) allocate(qty types.Quantity) {
	r.Allocated += qty
}

// deallocate returns qty units, never letting the allocated count go
// negative.
func (r *Resource) deallocate(qty types.Quantity) {
	r.Allocated -= qty
	if r.Allocated < 0 {
		r.Allocated = 0
	}
}

// setTotalCapacity adjusts capacity, refusing to drop below the current
// allocation.
func (r *Resource) setTotalCapacity(capacity types.Quantity) bool {
	if capacity < r.Allocated {
		return false
	}
	r.TotalCapacity = capacity
	return true
}
