// internal/store/store.go
//
// Store is the unified sharded, in-memory mapping from kernel key to MVCC
// version chain described in spec.md §4.2. It is grounded on the teacher's
// pkg/mvcc/store.go (VersionedStore) but restructured around shard-level
// locking instead of one store-wide mutex, and around a single committed
// Version per write (the OCC manager's commit version) instead of the
// teacher's transaction-state-dependent visibility walk.
package store

import (
	"sort"
	"strconv"

	"stratadb/internal/kkey"
	"stratadb/internal/metrics"
	"stratadb/internal/types"
)

// Write is one pending mutation to apply atomically with respect to
// concurrent shard readers.
type Write struct {
	Key   kkey.Key
	Value types.StoredValue
}

// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	shards  []*shard
	pins    *pinRegistry
	budget  *MemoryBudget
	metrics *metrics.Metrics
}

// New creates a Store with shardCount shards; shardCount must be a power of
// two, since shardIndex masks the hash. Neither New nor internal/config
// checks this; with any other count some shards never receive a key. Chain-link
// instrumentation goes to a private, unregistered Metrics until SetMetrics
// attaches the kernel's real one.
func New(shardCount int) *Store {
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = newShard(i)
	}
	return &Store{
		shards:  shards,
		pins:    newPinRegistry(),
		budget:  NewMemoryBudget(DefaultMemoryLimit),
		metrics: metrics.New(),
	}
}

// SetMetrics attaches m as the destination for chain-link instrumentation.
// A nil m is a no-op, so callers can pass through an optional value freely.
func (s *Store) SetMetrics(m *metrics.Metrics) {
	if m != nil {
		s.metrics = m
	}
}

func (s *Store) shardFor(encKey []byte) *shard {
	return s.shards[shardIndex(encKey, len(s.shards))]
}

// Get returns the newest chain entry with Version <= atVersion that is not
// a tombstone. A tombstone at or below atVersion is reported as absent to
// ordinary callers (use Probe to distinguish absent-never-written from
// absent-deleted).
func (s *Store) Get(key kkey.Key, atVersion types.Version) (types.StoredValue, bool) {
	sv, tombstoned, ok := s.probe(key, atVersion)
	if !ok || tombstoned {
		return types.StoredValue{}, false
	}
	return sv, true
}

// Probe is the compaction-facing read that also reports tombstone status,
// per spec.md §4.2 ("distinguishable via a probe API used by compaction").
func (s *Store) Probe(key kkey.Key, atVersion types.Version) (sv types.StoredValue, tombstoned bool, ok bool) {
	return s.probe(key, atVersion)
}

func (s *Store) probe(key kkey.Key, atVersion types.Version) (types.StoredValue, bool, bool) {
	enc := key.Encode()
	sh := s.shardFor(enc)
	sh.mu.RLock()
	chain, exists := sh.chains[string(enc)]
	sh.mu.RUnlock()
	if !exists {
		return types.StoredValue{}, false, false
	}
	sv, ok := chain.at(atVersion)
	if !ok {
		return types.StoredValue{}, false, false
	}
	return sv, sv.Tombstone, true
}

// HeadVersion returns the current head version for key, used by OCC
// validation (spec.md §4.3 step 3).
func (s *Store) HeadVersion(key kkey.Key) (types.Version, bool) {
	enc := key.Encode()
	sh := s.shardFor(enc)
	sh.mu.RLock()
	chain, exists := sh.chains[string(enc)]
	sh.mu.RUnlock()
	if !exists {
		return types.Version{}, false
	}
	return chain.HeadVersion()
}

// ApplyCommitted prepends sv to key's chain under the shard lock, asserting
// strict version monotonicity. Returns an Internal error if the prepend
// would violate monotonicity (a bug upstream in the OCC manager, never a
// client-triggerable condition).
func (s *Store) ApplyCommitted(key kkey.Key, sv types.StoredValue) error {
	enc := key.Encode()
	sh := s.shardFor(enc)
	sh.mu.Lock()
	chain := sh.getOrCreateChain(string(enc))
	sh.mu.Unlock()

	if !chain.prepend(sv) {
		return types.Internal(nil, "version chain monotonicity violated on single apply")
	}
	s.budget.Track(shardComponent(sh), string(enc), estimateSize(sv))
	s.metrics.ChainLinksTotal.Inc()
	return nil
}

// ApplyBatch groups writes by shard and acquires each shard's lock exactly
// once, applying every write destined for that shard atomically with
// respect to concurrent readers of that shard. Cross-shard atomicity is not
// provided here (spec.md §4.2); the OCC manager's per-branch commit lock
// plus snapshot-before-visibility is what makes the whole batch appear
// atomic to readers.
//
// Shards are locked in ascending index order to match the kernel-wide lock
// ordering discipline and avoid deadlock against any other multi-shard
// operation.
func (s *Store) ApplyBatch(writes []Write) error {
	if len(writes) == 0 {
		return nil
	}

	type pending struct {
		enc []byte
		sv  types.StoredValue
	}
	byShard := make(map[int][]pending)
	for _, w := range writes {
		enc := w.Key.Encode()
		idx := shardIndex(enc, len(s.shards))
		byShard[idx] = append(byShard[idx], pending{enc: enc, sv: w.Value})
	}

	indices := make([]int, 0, len(byShard))
	for idx := range byShard {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	// Pre-validate monotonicity for every write before mutating anything,
	// so a batch either fully applies or fully does not (spec.md §5:
	// "either all writes of the batch have been applied, or none have").
	type validated struct {
		sh   *shard
		enc  []byte
		sv   types.StoredValue
	}
	var plan []validated
	var locked []*shard
	for _, idx := range indices {
		sh := s.shards[idx]
		sh.mu.Lock()
		locked = append(locked, sh)
		for _, p := range byShard[idx] {
			chain := sh.getOrCreateChain(string(p.enc))
			if head, ok := chain.HeadVersion(); ok && !head.Less(p.sv.Version) {
				for _, l := range locked {
					l.mu.Unlock()
				}
				return types.Internal(nil, "version chain monotonicity violated in batch apply")
			}
			plan = append(plan, validated{sh: sh, enc: p.enc, sv: p.sv})
		}
	}

	for _, p := range plan {
		chain := p.sh.getOrCreateChain(string(p.enc))
		chain.prepend(p.sv)
		s.budget.Track(shardComponent(p.sh), string(p.enc), estimateSize(p.sv))
		s.metrics.ChainLinksTotal.Inc()
	}
	for _, idx := range indices {
		s.shards[idx].mu.Unlock()
	}
	return nil
}

// List returns every non-tombstone key under (branchID, spaceID, tag) whose
// user key starts with prefix, visible at atVersion. Shard locks are
// released between shards, and within a shard only the matching chains are
// collected under the lock; their values are resolved after release (spec.md §4.2: "long-held locks
// during list are a correctness-adjacent performance contract").
func (s *Store) List(branchID, spaceID uint64, tag kkey.Tag, prefix []byte, atVersion types.Version) []ListEntry {
	var out []ListEntry
	for _, sh := range s.shards {
		sh.mu.RLock()
		type candidate struct {
			encKey string
			chain  *VersionChain
		}
		var cands []candidate
		for encKey, chain := range sh.chains {
			k, ok := kkey.Decode([]byte(encKey))
			if !ok {
				continue
			}
			if k.HasPrefix(branchID, spaceID, tag, prefix) {
				cands = append(cands, candidate{encKey: encKey, chain: chain})
			}
		}
		sh.mu.RUnlock()

		for _, c := range cands {
			sv, ok := c.chain.at(atVersion)
			if !ok || sv.Tombstone {
				continue
			}
			k, _ := kkey.Decode([]byte(c.encKey))
			out = append(out, ListEntry{Key: k, Value: sv})
		}
	}
	sort.Slice(out, func(i, j int) bool { return kkey.Compare(out[i].Key, out[j].Key) < 0 })
	return out
}

// ListEntry is one (key, value) pair returned by List.
type ListEntry struct {
	Key   kkey.Key
	Value types.StoredValue
}

// ListBranch returns every non-tombstone key under branchID regardless of
// space or primitive tag, visible at atVersion. Used by branch deletion's
// tombstone sweep (spec.md §4.7: "deletion... issues tombstones across all
// of that branch's keys atomically").
func (s *Store) ListBranch(branchID uint64, atVersion types.Version) []ListEntry {
	var out []ListEntry
	for _, sh := range s.shards {
		sh.mu.RLock()
		type candidate struct {
			encKey string
			chain  *VersionChain
		}
		var cands []candidate
		for encKey, chain := range sh.chains {
			k, ok := kkey.Decode([]byte(encKey))
			if !ok {
				continue
			}
			if k.BranchID == branchID {
				cands = append(cands, candidate{encKey: encKey, chain: chain})
			}
		}
		sh.mu.RUnlock()

		for _, c := range cands {
			sv, ok := c.chain.at(atVersion)
			if !ok || sv.Tombstone {
				continue
			}
			k, _ := kkey.Decode([]byte(c.encKey))
			out = append(out, ListEntry{Key: k, Value: sv})
		}
	}
	sort.Slice(out, func(i, j int) bool { return kkey.Compare(out[i].Key, out[j].Key) < 0 })
	return out
}

// TombstoneRef identifies one tombstoned key at the version its deletion
// committed, for the snapshot writer's tombstone index (spec.md §4.5).
type TombstoneRef struct {
	Key     kkey.Key
	Version types.Version
}

// ListBranchTombstones returns every tombstoned key under branchID visible
// at atVersion, the complement of ListBranch (which excludes them).
func (s *Store) ListBranchTombstones(branchID uint64, atVersion types.Version) []TombstoneRef {
	var out []TombstoneRef
	for _, sh := range s.shards {
		sh.mu.RLock()
		type candidate struct {
			encKey string
			chain  *VersionChain
		}
		var cands []candidate
		for encKey, chain := range sh.chains {
			k, ok := kkey.Decode([]byte(encKey))
			if !ok {
				continue
			}
			if k.BranchID == branchID {
				cands = append(cands, candidate{encKey: encKey, chain: chain})
			}
		}
		sh.mu.RUnlock()

		for _, c := range cands {
			sv, ok := c.chain.at(atVersion)
			if !ok || !sv.Tombstone {
				continue
			}
			k, _ := kkey.Decode([]byte(c.encKey))
			out = append(out, TombstoneRef{Key: k, Version: sv.Version})
		}
	}
	sort.Slice(out, func(i, j int) bool { return kkey.Compare(out[i].Key, out[j].Key) < 0 })
	return out
}

// History returns every version of key newest-first, including tombstones
// (spec.md §4.2: "history includes them").
func (s *Store) History(key kkey.Key) []types.StoredValue {
	enc := key.Encode()
	sh := s.shardFor(enc)
	sh.mu.RLock()
	chain, exists := sh.chains[string(enc)]
	sh.mu.RUnlock()
	if !exists {
		return nil
	}
	return chain.history()
}

// Pin registers version as in-use by a live transaction snapshot, so GC and
// compaction never reclaim it. It returns the release function, to be called
// when the transaction ends; calls after the first are no-ops.
func (s *Store) Pin(version types.Version) func() {
	return s.pins.pin(version)
}

// MinPinned returns the minimum pinned version across all open
// transactions, or ok=false if none are pinned.
func (s *Store) MinPinned() (types.Version, bool) {
	return s.pins.min()
}

// GCHorizonFor reports horizon = min(watermark, minPinned) without trimming
// anything, so a caller (the snapshot writer deciding which tombstone index
// entries are still needed) can reason about what GCHorizon would be free to
// drop without actually dropping it yet.
func (s *Store) GCHorizonFor(watermark types.Version) types.Version {
	horizon := watermark
	if minPinned, ok := s.pins.min(); ok && minPinned.Less(horizon) {
		horizon = minPinned
	}
	return horizon
}

// GCHorizon trims every chain's tail to horizon = min(watermark, minPinned),
// honoring any live pin (spec.md §4.5). Returns the total number of links
// dropped.
func (s *Store) GCHorizon(watermark types.Version) int {
	horizon := s.GCHorizonFor(watermark)

	total := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		type entry struct {
			encKey string
			chain  *VersionChain
		}
		entries := make([]entry, 0, len(sh.chains))
		for encKey, c := range sh.chains {
			entries = append(entries, entry{encKey: encKey, chain: c})
		}
		sh.mu.RUnlock()

		for _, e := range entries {
			dropped, bytes := e.chain.trimOlderThan(horizon)
			total += dropped
			if bytes > 0 {
				s.budget.Release(shardComponent(sh), e.encKey, bytes)
			}
		}
	}
	if total > 0 {
		s.metrics.ChainLinksTotal.Sub(float64(total))
		s.metrics.GCLinksDropped.Add(float64(total))
	}
	return total
}

// Stats reports coarse store occupancy, used by the control surface's
// `info` command (spec.md §6).
type Stats struct {
	ShardCount   int
	TotalChains  int
	MemoryBudget MemoryBudgetStats
}

func (s *Store) Stats() Stats {
	total := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		total += len(sh.chains)
		sh.mu.RUnlock()
	}
	return Stats{
		ShardCount:   len(s.shards),
		TotalChains:  total,
		MemoryBudget: s.budget.Stats(),
	}
}

func shardComponent(sh *shard) string {
	return "shard-" + strconv.Itoa(sh.idx)
}

func estimateSize(sv types.StoredValue) int64 {
	size := int64(32) // fixed overhead: version, timestamps, pointers
	if sv.Tombstone {
		return size
	}
	size += int64(len(sv.Metadata))
	size += valueSize(sv.Value)
	return size
}

func valueSize(v types.Value) int64 {
	switch v.Kind() {
	case types.KindString:
		return int64(len(v.AsString()))
	case types.KindBytes:
		return int64(len(v.AsBytes()))
	case types.KindArray:
		var sum int64
		for _, e := range v.AsArray() {
			sum += valueSize(e)
		}
		return sum
	case types.KindObject:
		var sum int64
		for _, e := range v.AsObject() {
			sum += int64(len(e.Key)) + valueSize(e.Value)
		}
		return sum
	default:
		return 8
	}
}
