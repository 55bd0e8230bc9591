// internal/occ/transaction.go
//
// Tx is the per-transaction context described in spec.md §4.3: a captured
// snapshot version, a buffered write-set and CAS-set, and read-set
// fingerprints for OCC validation. Grounded on the teacher's
// pkg/mvcc/transaction.go Transaction type (state machine, modification
// tracking) but restructured around a fixed commit-version write instead of
// the teacher's live-transaction visibility model.
package occ

import (
	"sync"

	"stratadb/internal/kkey"
	"stratadb/internal/types"
)

// State is the transaction lifecycle described in spec.md §4.3:
// Open -> Committing -> {Committed, Aborted}.
type State uint8

const (
	StateOpen State = iota
	StateCommitting
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

type stagedWrite struct {
	key         kkey.Key
	value       types.Value
	tombstone   bool
	metadata    []byte
	casExpected types.Version
	hasCAS      bool
	isCAS       bool
}

type readFingerprint struct {
	hasVersion bool
	version    types.Version
}

// Tx is a single branch-scoped transaction context. Not safe for concurrent
// use by multiple goroutines simultaneously (spec.md assumes one logical
// caller drives a transaction at a time); the manager's commit path is
// where concurrency actually happens.
type Tx struct {
	mgr      *Manager
	branchID uint64
	txnID    uint64
	snapshot types.Version // V_s
	unpin    func()

	mu         sync.Mutex
	state      State
	writes     map[string]stagedWrite
	reads      map[string]readFingerprint
	writeOrder []string
}

// TxnID reports the transaction identifier allocated at Begin.
func (tx *Tx) TxnID() uint64 { return tx.txnID }

// BranchID reports the branch this transaction is scoped to.
func (tx *Tx) BranchID() uint64 { return tx.branchID }

// Snapshot reports the captured snapshot version V_s.
func (tx *Tx) Snapshot() types.Version { return tx.snapshot }

// State reports the current lifecycle state.
func (tx *Tx) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

func (tx *Tx) requireOpen() error {
	if tx.state != StateOpen {
		return types.TxNotActive("transaction is not open")
	}
	return nil
}

// Get resolves key first from this transaction's write-set (read-your-writes,
// spec.md §8), then from the sharded store at the transaction's snapshot
// version. A read against the store is recorded as a read-set fingerprint
// for commit-time validation.
func (tx *Tx) Get(key kkey.Key) (types.Value, bool, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.requireOpen(); err != nil {
		return types.Value{}, false, err
	}

	enc := string(key.Encode())
	if w, ok := tx.writes[enc]; ok {
		if w.tombstone {
			return types.Value{}, false, nil
		}
		return w.value, true, nil
	}

	sv, tombstoned, ok := tx.mgr.store.Probe(key, tx.snapshot)
	if _, seen := tx.reads[enc]; !seen {
		if !ok {
			tx.reads[enc] = readFingerprint{hasVersion: false}
		} else {
			tx.reads[enc] = readFingerprint{hasVersion: true, version: sv.Version}
		}
	}
	if !ok || tombstoned {
		return types.Value{}, false, nil
	}
	return sv.Value, true, nil
}

// Put stages key=value for application at commit. A blind write: it is not
// validated against the read-set (spec.md §4.3: "blind writes only: skip
// validation").
func (tx *Tx) Put(key kkey.Key, value types.Value, metadata []byte) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.requireOpen(); err != nil {
		return err
	}
	tx.stage(key, stagedWrite{key: key, value: value, metadata: metadata})
	return nil
}

// Delete stages a tombstone for key.
func (tx *Tx) Delete(key kkey.Key) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.requireOpen(); err != nil {
		return err
	}
	tx.stage(key, stagedWrite{key: key, tombstone: true})
	return nil
}

// CAS stages a conditional write: expectedOK false means "key must be
// absent or tombstoned"; expectedOK true means the head version must equal
// expected exactly. The write only applies if validation passes at commit
// (spec.md §4.3 step 3).
func (tx *Tx) CAS(key kkey.Key, expected types.Version, expectedOK bool, value types.Value, metadata []byte) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.requireOpen(); err != nil {
		return err
	}
	tx.stage(key, stagedWrite{
		key: key, value: value, metadata: metadata,
		casExpected: expected, hasCAS: expectedOK, isCAS: true,
	})
	return nil
}

func (tx *Tx) stage(key kkey.Key, w stagedWrite) {
	enc := string(key.Encode())
	if _, exists := tx.writes[enc]; !exists {
		tx.writeOrder = append(tx.writeOrder, enc)
	}
	tx.writes[enc] = w
}

// hasCASEntries reports whether any staged write carries a CAS condition.
func (tx *Tx) hasCASEntries() bool {
	for _, w := range tx.writes {
		if w.isCAS {
			return true
		}
	}
	return false
}
