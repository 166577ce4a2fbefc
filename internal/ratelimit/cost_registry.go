package ratelimit

import (
	"sync"
)

// DefaultCost is charged for operations without a registered cost
const DefaultCost = 1

// Upstream operation names
const (
	OpResolveAccount       = "ResolveAccount"
	OpFetchTimelineSince   = "FetchTimelineSince"
	OpFetchFollowedHandles = "FetchFollowedHandles"
)

// CostRegistry maps upstream operations to the number of requests they use.
// It is safe for concurrent use.
type CostRegistry struct {
	mu          sync.RWMutex
	costs       map[string]int
	defaultCost int
}

// CostRegistryConfig holds configuration for the registry.
type CostRegistryConfig struct {
	// DefaultCost applies to unknown operations; zero keeps the package default.
	DefaultCost int
	// Overrides replace the built-in costs. Non-positive values are ignored.
	Overrides map[string]int
}

// NewCostRegistry creates a registry; cfg may be nil.
func NewCostRegistry(cfg *CostRegistryConfig) *CostRegistry {
	costs := map[string]int{
		OpResolveAccount:     1,
		OpFetchTimelineSince: 1,
		// users/me plus at least one page of followings
		OpFetchFollowedHandles: 2,
	}
	defaultCost := DefaultCost

	if cfg != nil {
		if cfg.DefaultCost > 0 {
			defaultCost = cfg.DefaultCost
		}
		for op, cost := range cfg.Overrides {
			if cost > 0 {
				costs[op] = cost
			}
		}
	}

	return &CostRegistry{costs: costs, defaultCost: defaultCost}
}

// GetCost returns the cost of op
func (r *CostRegistry) GetCost(op string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cost, ok := r.costs[op]; ok {
		return cost
	}
	return r.defaultCost
}

// SetCost updates the cost of op. Non-positive values are ignored.
func (r *CostRegistry) SetCost(op string, cost int) {
	if cost <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.costs[op] = cost
}
