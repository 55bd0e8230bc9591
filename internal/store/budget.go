// internal/store/budget.go
//
// MemoryBudget is adapted from the teacher's pkg/cache/memory_budget.go. The
// teacher used it to bound page-cache occupancy with priority-based
// eviction; the kernel has no eviction (every live version must stay
// resolvable until compaction/GC proves it unreachable), so the
// priority/decay/eviction-candidate machinery is dropped and the tracker is
// narrowed to what spec.md §4.5 actually needs: a live byte-usage signal per
// shard that can trigger an out-of-cycle snapshot+compaction under memory
// pressure.
package store

import "sync"

// DefaultMemoryLimit mirrors the teacher's default budget (256MB) as a
// starting point for a single-process embedded kernel.
const DefaultMemoryLimit = int64(256 * 1024 * 1024)

// DefaultPressureThreshold is the fraction of the limit at which
// PressureCallback fires.
const DefaultPressureThreshold = 0.8

// MemoryBudgetStats reports current usage for diagnostics (the `info`
// control command, spec.md §6).
type MemoryBudgetStats struct {
	Limit           int64
	TotalUsage      int64
	ComponentUsage  map[string]int64
	IsUnderPressure bool
}

// PressureCallback is invoked (on its own goroutine, to avoid deadlocking
// the caller holding the budget lock) on the transition into pressure.
type PressureCallback func(currentUsage, limit int64)

// MemoryBudget tracks estimated byte usage per shard component and per
// tracked key, so usage can be released precisely when a chain link is
// trimmed by compaction.
type MemoryBudget struct {
	mu                sync.Mutex
	limit             int64
	pressureThreshold float64
	totalUsage        int64
	componentUsage    map[string]int64
	itemSizes         map[string]map[string]int64 // component -> key -> bytes
	pressureCallback  PressureCallback
	wasUnderPressure  bool
}

// NewMemoryBudget creates a budget with the given limit; limit <= 0 uses
// DefaultMemoryLimit.
func NewMemoryBudget(limit int64) *MemoryBudget {
	if limit <= 0 {
		limit = DefaultMemoryLimit
	}
	return &MemoryBudget{
		limit:             limit,
		pressureThreshold: DefaultPressureThreshold,
		componentUsage:    make(map[string]int64),
		itemSizes:         make(map[string]map[string]int64),
	}
}

// Track adds bytes to the size recorded for (component, key); callers pass
// the size of each newly prepended version, so the recorded size is the
// running total of that key's version chain.
func (mb *MemoryBudget) Track(component, key string, bytes int64) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	items, ok := mb.itemSizes[component]
	if !ok {
		items = make(map[string]int64)
		mb.itemSizes[component] = items
	}
	prior := items[key]
	items[key] = prior + bytes

	mb.componentUsage[component] += bytes
	mb.totalUsage += bytes
	mb.checkPressure()
}

// Release removes bytes previously tracked for (component, key) (e.g. a
// trimmed chain tail).
func (mb *MemoryBudget) Release(component, key string, bytes int64) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if bytes > mb.componentUsage[component] {
		bytes = mb.componentUsage[component]
	}
	mb.componentUsage[component] -= bytes
	mb.totalUsage -= bytes
	if mb.totalUsage < 0 {
		mb.totalUsage = 0
	}
	if items, ok := mb.itemSizes[component]; ok {
		items[key] -= bytes
		if items[key] <= 0 {
			delete(items, key)
		}
	}
}

// SetLimit updates the memory limit at runtime (durability-policy
// reconfiguration and similar admin paths may want to adjust it).
func (mb *MemoryBudget) SetLimit(limit int64) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.limit = limit
}

// OnPressure registers the callback fired on the transition into pressure.
func (mb *MemoryBudget) OnPressure(cb PressureCallback) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.pressureCallback = cb
}

// checkPressure must be called with mb.mu held.
func (mb *MemoryBudget) checkPressure() {
	underPressure := float64(mb.totalUsage) >= float64(mb.limit)*mb.pressureThreshold
	if underPressure && !mb.wasUnderPressure && mb.pressureCallback != nil {
		cb := mb.pressureCallback
		usage, limit := mb.totalUsage, mb.limit
		mb.wasUnderPressure = true
		go cb(usage, limit)
	} else if !underPressure {
		mb.wasUnderPressure = false
	}
}

// Stats returns a snapshot of current usage.
func (mb *MemoryBudget) Stats() MemoryBudgetStats {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	cu := make(map[string]int64, len(mb.componentUsage))
	for k, v := range mb.componentUsage {
		cu[k] = v
	}
	return MemoryBudgetStats{
		Limit:           mb.limit,
		TotalUsage:      mb.totalUsage,
		ComponentUsage:  cu,
		IsUnderPressure: float64(mb.totalUsage) >= float64(mb.limit)*mb.pressureThreshold,
	}
}
