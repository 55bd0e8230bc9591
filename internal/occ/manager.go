// internal/occ/manager.go
//
// Manager implements the commit protocol of spec.md §4.3: per-branch commit
// lock, commit version allocation, read-set/CAS-set validation,
// first-committer-wins, and the read-only fast path that skips the commit
// lock entirely. Grounded on the teacher's pkg/mvcc/manager.go
// TransactionManager (Begin/Commit/Rollback, atomic counters) restructured
// around a store that commits one fixed version per write rather than
// resolving visibility from live transaction state.
package occ

import (
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"stratadb/internal/durability"
	"stratadb/internal/kkey"
	"stratadb/internal/metrics"
	"stratadb/internal/store"
	"stratadb/internal/types"
	"stratadb/internal/wal"
)

// branchState holds everything the manager needs to commit transactions on
// one branch: independent commit/txn-id counters (spec.md §5: "per-branch
// clocks are independent"), the branch's WAL (nil under Ephemeral policy),
// and its commit lock.
type branchState struct {
	commitCounter uint64 // atomic
	txnIDCounter  uint64 // atomic

	lockCh chan struct{} // capacity 1; buffered-channel mutex supporting a timeout

	mu     sync.Mutex // guards wal/policy swap below
	wal    *wal.WAL
	policy durability.Policy
}

func newBranchState() *branchState {
	bs := &branchState{lockCh: make(chan struct{}, 1)}
	return bs
}

func (bs *branchState) acquireCommitLock(timeout time.Duration) error {
	if timeout <= 0 {
		bs.lockCh <- struct{}{}
		return nil
	}
	select {
	case bs.lockCh <- struct{}{}:
		return nil
	case <-time.After(timeout):
		return types.CommitTimeout("commit lock acquisition timed out")
	}
}

func (bs *branchState) releaseCommitLock() {
	<-bs.lockCh
}

// Manager is safe for concurrent use by multiple goroutines.
type Manager struct {
	store             *store.Store
	walRootDir        string
	dbUUID            uuid.UUID
	maxSegmentBytes   int64
	commitLockTimeout time.Duration
	logger            zerolog.Logger
	metrics           *metrics.Metrics

	mu       sync.RWMutex
	branches map[uint64]*branchState
}

// Options configures a new Manager.
type Options struct {
	Store             *store.Store
	WALRootDir        string
	DatabaseUUID      uuid.UUID
	MaxSegmentBytes   int64
	CommitLockTimeout time.Duration
	Logger            zerolog.Logger
	// Metrics receives commit/abort/duration/active-transaction
	// instrumentation. Defaults to a private, unregistered Metrics if left
	// nil, so callers that don't care about metrics (tests) don't need to
	// construct one.
	Metrics *metrics.Metrics
}

// NewManager constructs a Manager with no branches registered yet; callers
// (internal/branch, or recovery on reopen) call RegisterBranch for each
// known branch before transactions can begin on it.
func NewManager(opts Options) *Manager {
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Manager{
		store:             opts.Store,
		walRootDir:        opts.WALRootDir,
		dbUUID:            opts.DatabaseUUID,
		maxSegmentBytes:   opts.MaxSegmentBytes,
		commitLockTimeout: opts.CommitLockTimeout,
		logger:            opts.Logger,
		metrics:           m,
		branches:          make(map[uint64]*branchState),
	}
}

// RegisterBranch opens (or prepares) branchID's WAL per policy and makes it
// eligible to begin transactions. Calling it again for an already
// registered branch is a no-op; use SetBranchPolicy to change policy.
func (m *Manager) RegisterBranch(branchID uint64, policy durability.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.branches[branchID]; exists {
		return nil
	}
	bs := newBranchState()
	bs.policy = policy
	if policy.Mode != durability.Ephemeral {
		w, err := m.openWAL(branchID, policy)
		if err != nil {
			return err
		}
		bs.wal = w
	}
	m.branches[branchID] = bs
	return nil
}

func (m *Manager) openWAL(branchID uint64, policy durability.Policy) (*wal.WAL, error) {
	dir := filepath.Join(m.walRootDir, strconv.FormatUint(branchID, 10))
	return wal.Open(wal.Options{
		Dir:             dir,
		BranchID:        branchID,
		DatabaseUUID:    m.dbUUID,
		MaxSegmentBytes: m.maxSegmentBytes,
		Policy:          policy,
		Logger:          m.logger,
		Metrics:         m.metrics,
	})
}

// SetBranchPolicy reconfigures branchID's durability policy, flushing the
// current WAL first (spec.md §4.8: "switching modes flushes the current
// WAL").
func (m *Manager) SetBranchPolicy(branchID uint64, policy durability.Policy) error {
	m.mu.RLock()
	bs, ok := m.branches[branchID]
	m.mu.RUnlock()
	if !ok {
		return types.NotFound("branch not registered with the transaction manager")
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.wal != nil {
		if err := bs.wal.Flush(); err != nil {
			return err
		}
	}

	wasEphemeral := bs.policy.Mode == durability.Ephemeral
	nowEphemeral := policy.Mode == durability.Ephemeral

	switch {
	case wasEphemeral && !nowEphemeral:
		w, err := m.openWAL(branchID, policy)
		if err != nil {
			return err
		}
		bs.wal = w
	case !wasEphemeral && nowEphemeral:
		if err := bs.wal.Close(); err != nil {
			return err
		}
		bs.wal = nil
	case !wasEphemeral && !nowEphemeral:
		if err := bs.wal.SetPolicy(policy); err != nil {
			return err
		}
	}
	bs.policy = policy
	return nil
}

// FlushBranch forces branchID's WAL to sync immediately, regardless of its
// durability mode's timer/byte threshold. A no-op for Ephemeral branches
// (no WAL to flush).
func (m *Manager) FlushBranch(branchID uint64) error {
	bs, err := m.branchStateFor(branchID)
	if err != nil {
		return err
	}
	bs.mu.Lock()
	w := bs.wal
	bs.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Flush()
}

func (m *Manager) branchStateFor(branchID uint64) (*branchState, error) {
	m.mu.RLock()
	bs, ok := m.branches[branchID]
	m.mu.RUnlock()
	if !ok {
		return nil, types.NotFound("unknown branch")
	}
	return bs, nil
}

// CommitCounter reports the current commit version counter for branchID
// (used by the snapshot writer to capture V_snap and by recovery to seed
// counters from the watermark).
func (m *Manager) CommitCounter(branchID uint64) (uint64, error) {
	bs, err := m.branchStateFor(branchID)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint64(&bs.commitCounter), nil
}

// SeedCounters is called by the recovery coordinator to set both counters
// to the snapshot watermark (and beyond, as WAL replay advances them)
// before opening for client traffic (spec.md §4.6 step 3).
func (m *Manager) SeedCounters(branchID uint64, watermark uint64) error {
	bs, err := m.branchStateFor(branchID)
	if err != nil {
		return err
	}
	atomic.StoreUint64(&bs.commitCounter, watermark)
	atomic.StoreUint64(&bs.txnIDCounter, watermark)
	return nil
}

// AdvanceCounters is called during WAL replay as each record is applied, so
// the counters reflect the highest replayed commit_version/txn_id (spec.md
// §4.6 step 4).
func (m *Manager) AdvanceCounters(branchID uint64, commitVersion, txnID uint64) error {
	bs, err := m.branchStateFor(branchID)
	if err != nil {
		return err
	}
	for {
		cur := atomic.LoadUint64(&bs.commitCounter)
		if commitVersion <= cur {
			break
		}
		if atomic.CompareAndSwapUint64(&bs.commitCounter, cur, commitVersion) {
			break
		}
	}
	for {
		cur := atomic.LoadUint64(&bs.txnIDCounter)
		if txnID <= cur {
			break
		}
		if atomic.CompareAndSwapUint64(&bs.txnIDCounter, cur, txnID) {
			break
		}
	}
	return nil
}

// Begin starts a new transaction on branchID, capturing the current commit
// counter as its snapshot version and pinning it against GC/compaction.
func (m *Manager) Begin(branchID uint64) (*Tx, error) {
	bs, err := m.branchStateFor(branchID)
	if err != nil {
		return nil, err
	}
	txnID := atomic.AddUint64(&bs.txnIDCounter, 1)
	snapshot := types.TxnVersion(atomic.LoadUint64(&bs.commitCounter))
	unpin := m.store.Pin(snapshot)
	m.metrics.ActiveTxns.Inc()

	return &Tx{
		mgr:      m,
		branchID: branchID,
		snapshot: snapshot,
		unpin:    unpin,
		state:    StateOpen,
		writes:   make(map[string]stagedWrite),
		reads:    make(map[string]readFingerprint),
		txnID:    txnID,
	}, nil
}

// Rollback aborts tx without applying anything. Safe to call on an already
// terminal transaction (a no-op in that case).
func (m *Manager) Rollback(tx *Tx) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state == StateCommitted || tx.state == StateAborted {
		return
	}
	tx.state = StateAborted
	if tx.unpin != nil {
		tx.unpin()
		tx.unpin = nil
	}
	m.metrics.AbortsTotal.WithLabelValues("rollback").Inc()
	m.metrics.ActiveTxns.Dec()
}

// Commit executes the protocol of spec.md §4.3 steps 1-8.
func (m *Manager) Commit(tx *Tx) error {
	timer := metrics.NewTimer()
	tx.mu.Lock()
	if tx.state != StateOpen {
		tx.mu.Unlock()
		return types.TxNotActive("transaction is not open")
	}
	tx.state = StateCommitting
	branchID := tx.branchID
	txnID := tx.txnID
	writes := make(map[string]stagedWrite, len(tx.writes))
	for k, v := range tx.writes {
		writes[k] = v
	}
	writeOrder := append([]string(nil), tx.writeOrder...)
	reads := make(map[string]readFingerprint, len(tx.reads))
	for k, v := range tx.reads {
		reads[k] = v
	}
	unpin := tx.unpin
	tx.mu.Unlock()

	abort := func(err error) error {
		tx.mu.Lock()
		tx.state = StateAborted
		tx.mu.Unlock()
		if unpin != nil {
			unpin()
		}
		m.metrics.AbortsTotal.WithLabelValues(abortReason(err)).Inc()
		m.metrics.ActiveTxns.Dec()
		return err
	}

	bs, err := m.branchStateFor(branchID)
	if err != nil {
		return abort(err)
	}

	hasCAS := false
	for _, w := range writes {
		if w.isCAS {
			hasCAS = true
			break
		}
	}
	readOnly := len(writes) == 0

	if !readOnly {
		if err := bs.acquireCommitLock(m.commitLockTimeout); err != nil {
			return abort(err)
		}
		defer bs.releaseCommitLock()
	}

	// A read-only commit (no writes, no CAS) never conflicts with anything:
	// it has nothing to linearize against a concurrent writer, so its own
	// read-set is never invalidated by the commit protocol itself (spec.md
	// §8 seed test #1). Validation only matters once this transaction is
	// about to write something conditionally on what it read.
	skipValidation := readOnly || (len(reads) == 0 && !hasCAS)
	if !skipValidation {
		for _, enc := range mapKeys(reads) {
			fp := reads[enc]
			k, ok := kkey.Decode([]byte(enc))
			if !ok {
				return abort(types.Internal(nil, "commit: malformed read-set key"))
			}
			head, headOK := m.store.HeadVersion(k)
			if fp.hasVersion != headOK || (fp.hasVersion && !fp.version.Equal(head)) {
				return abort(types.VersionConflictErr(k.String(), fp.version, head))
			}
		}
		for _, enc := range writeOrder {
			w := writes[enc]
			if !w.isCAS {
				continue
			}
			head, headOK := m.store.HeadVersion(w.key)
			tombstoned := headOK && m.headIsTombstone(w.key)
			if !w.hasCAS {
				if headOK && !tombstoned {
					return abort(types.TransitionFailedErr(w.key.String(), types.Version{}, head))
				}
			} else if !headOK || !head.Equal(w.casExpected) {
				return abort(types.TransitionFailedErr(w.key.String(), w.casExpected, head))
			}
		}
	}

	commitVersion := atomic.AddUint64(&bs.commitCounter, 1)
	commitVer := types.TxnVersion(commitVersion)
	tsMicros := uint64(time.Now().UnixMicro())

	rec := wal.Record{
		TxnID:         txnID,
		CommitVersion: commitVer,
		BranchID:      branchID,
		TSMicros:      tsMicros,
	}
	batch := make([]store.Write, 0, len(writes))
	for _, enc := range writeOrder {
		w := writes[enc]
		var sv types.StoredValue
		if w.tombstone {
			sv = types.Deleted(commitVer, tsMicros, txnID)
		} else {
			sv = types.Live(w.value, commitVer, tsMicros, txnID, w.metadata)
		}
		rec.Writes = append(rec.Writes, wal.WriteEntry{Key: w.key, Value: sv})
		if w.isCAS {
			rec.CASSet = append(rec.CASSet, wal.CASEntry{Key: w.key, Expected: w.casExpected, HasExpected: w.hasCAS})
		}
		batch = append(batch, store.Write{Key: w.key, Value: sv})
	}
	for _, enc := range mapKeys(reads) {
		fp := reads[enc]
		k, _ := kkey.Decode([]byte(enc))
		rec.ReadSet = append(rec.ReadSet, wal.ReadFingerprint{Key: k, Observed: fp.version, HasObserved: fp.hasVersion})
	}

	bs.mu.Lock()
	w := bs.wal
	bs.mu.Unlock()
	if w != nil {
		if err := w.Append(rec); err != nil {
			return abort(types.Internal(err, "wal append failed during commit"))
		}
	}

	if len(batch) > 0 {
		if err := m.store.ApplyBatch(batch); err != nil {
			// The WAL is authoritative past this point (spec.md §5): a
			// failure here is a correctness bug, not a recoverable abort.
			return types.Internal(err, "store apply failed after durable wal append")
		}
	}

	tx.mu.Lock()
	tx.state = StateCommitted
	tx.mu.Unlock()
	if unpin != nil {
		unpin()
	}
	m.metrics.CommitsTotal.Inc()
	m.metrics.ActiveTxns.Dec()
	timer.ObserveDuration(m.metrics.CommitDuration)
	return nil
}

// abortReason extracts the error-kind label used by AbortsTotal, falling
// back to "unknown" for errors that aren't the kernel's closed *types.Error.
func abortReason(err error) string {
	if e, ok := err.(*types.Error); ok {
		return e.Kind.String()
	}
	return "unknown"
}

func (m *Manager) headIsTombstone(key kkey.Key) bool {
	_, tombstoned, ok := m.store.Probe(key, maxVersionHint())
	return ok && tombstoned
}

// maxVersionHint returns a Version no real commit can exceed at the instant
// of the call, for reading the unconditional current head via Probe (which
// always takes a ceiling, never a raw "give me head" call, by Store design).
func maxVersionHint() types.Version {
	return types.TxnVersion(^uint64(0))
}

func mapKeys(m map[string]readFingerprint) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
