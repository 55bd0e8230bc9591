// internal/store/pin.go
package store

import (
	"sync"

	"stratadb/internal/types"
)

// pinRegistry tracks the set of snapshot versions pinned by live
// transactions, so compaction and GC never reclaim a version a reader might
// still need (spec.md §4.5).
type pinRegistry struct {
	mu   sync.Mutex
	pins map[uint64]types.Version
	next uint64
}

func newPinRegistry() *pinRegistry {
	return &pinRegistry{pins: make(map[uint64]types.Version)}
}

// pin registers version and returns an unpin function. The returned
// function is safe to call more than once; calls after the first are
// no-ops.
func (p *pinRegistry) pin(version types.Version) func() {
	p.mu.Lock()
	id := p.next
	p.next++
	p.pins[id] = version
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.pins, id)
			p.mu.Unlock()
		})
	}
}

// min returns the minimum pinned version, or ok=false if nothing is pinned.
func (p *pinRegistry) min() (types.Version, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var (
		found bool
		min   types.Version
	)
	for _, v := range p.pins {
		if !found || v.Less(min) {
			min = v
			found = true
		}
	}
	return min, found
}

// Count returns the number of currently pinned snapshots.
func (p *pinRegistry) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pins)
}
