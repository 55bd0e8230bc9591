// pkg/kernel/ops.go
//
// The primitive-level operations: begin/put/get/delete/list/history/cas,
// keyed by (branch, space, primitive tag, user key) as described in spec.md
// §6's command-layer interface. Grounded on the teacher's pkg/turdb Stmt/Tx
// surface (a thin public wrapper delegating straight to the internal engine
// type) adapted to occ.Tx instead of mvcc.Transaction.
package kernel

import (
	"stratadb/internal/durability"
	"stratadb/internal/kkey"
	"stratadb/internal/occ"
	"stratadb/internal/types"
)

// Tag re-exports the primitive discriminator so callers never need to
// import an internal package directly.
type Tag = kkey.Tag

const (
	TagKV         = kkey.TagKV
	TagEvent      = kkey.TagEvent
	TagState      = kkey.TagState
	TagJSON       = kkey.TagJSON
	TagVectorData = kkey.TagVectorData
	TagVectorMeta = kkey.TagVectorMeta
)

// Value re-exports the closed value sum.
type Value = types.Value

// Version re-exports the tagged version union.
type Version = types.Version

// Value constructors, re-exported so callers never need to import an
// internal package directly.
var (
	Null   = types.Null
	Bool   = types.Bool
	Int    = types.Int
	String = types.String
	Bytes  = types.Bytes
)

// Tx is a single branch-scoped transaction.
type Tx struct {
	k        *Kernel
	branchID uint64
	spaceID  uint64
	inner    *occ.Tx
}

// Begin opens a transaction against branchName/spaceName. Space is
// auto-registered on first use within any branch (spec.md §4.7).
func (k *Kernel) Begin(branchName, spaceName string) (*Tx, error) {
	if err := k.requireOpen(); err != nil {
		return nil, err
	}
	info, ok := k.branch.Branch(branchName)
	if !ok {
		return nil, types.NotFound("branch not found: " + branchName)
	}
	space, err := k.branch.EnsureSpace(info.ID, spaceName)
	if err != nil {
		return nil, err
	}
	inner, err := k.occ.Begin(info.ID)
	if err != nil {
		return nil, err
	}
	return &Tx{k: k, branchID: info.ID, spaceID: space.ID, inner: inner}, nil
}

func (tx *Tx) key(tag Tag, userKey []byte) kkey.Key {
	return kkey.New(tx.branchID, tx.spaceID, tag, userKey)
}

// Get reads userKey's value as of the transaction's snapshot, including its
// own uncommitted writes.
func (tx *Tx) Get(tag Tag, userKey []byte) (Value, bool, error) {
	return tx.inner.Get(tx.key(tag, userKey))
}

// Put stages a blind write.
func (tx *Tx) Put(tag Tag, userKey []byte, value Value, metadata []byte) error {
	return tx.inner.Put(tx.key(tag, userKey), value, metadata)
}

// Delete stages a tombstone.
func (tx *Tx) Delete(tag Tag, userKey []byte) error {
	return tx.inner.Delete(tx.key(tag, userKey))
}

// CAS stages a conditional write: expectedOK=false requires userKey to be
// absent or tombstoned; expectedOK=true requires its head version to equal
// expected exactly.
func (tx *Tx) CAS(tag Tag, userKey []byte, expected Version, expectedOK bool, value Value, metadata []byte) error {
	return tx.inner.CAS(tx.key(tag, userKey), expected, expectedOK, value, metadata)
}

// Commit runs the full OCC commit protocol.
func (tx *Tx) Commit() error {
	return tx.k.occ.Commit(tx.inner)
}

// Rollback discards every staged write.
func (tx *Tx) Rollback() {
	tx.k.occ.Rollback(tx.inner)
}

// TxnID reports the transaction identifier allocated at Begin.
func (tx *Tx) TxnID() uint64 { return tx.inner.TxnID() }

// Entry is one (user key, value) pair returned by List.
type Entry struct {
	UserKey []byte
	Value   Value
}

// List returns every non-tombstone key under (branch, space, tag) whose
// user key starts with prefix, visible at the current head.
func (k *Kernel) List(branchName, spaceName string, tag Tag, prefix []byte) ([]Entry, error) {
	if err := k.requireOpen(); err != nil {
		return nil, err
	}
	info, ok := k.branch.Branch(branchName)
	if !ok {
		return nil, types.NotFound("branch not found: " + branchName)
	}
	space, err := k.branch.EnsureSpace(info.ID, spaceName)
	if err != nil {
		return nil, err
	}
	commit, err := k.occ.CommitCounter(info.ID)
	if err != nil {
		return nil, err
	}
	entries := k.store.List(info.ID, space.ID, tag, prefix, types.TxnVersion(commit))
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, Entry{UserKey: e.Key.UserKey, Value: e.Value.Value})
	}
	return out, nil
}

// HistoryEntry is one version of a key, newest first.
type HistoryEntry struct {
	Value     Value
	Version   Version
	Tombstone bool
}

// History returns every retained version of userKey, newest first, per
// spec.md §4.2 ("history includes tombstones").
func (k *Kernel) History(branchName, spaceName string, tag Tag, userKey []byte) ([]HistoryEntry, error) {
	if err := k.requireOpen(); err != nil {
		return nil, err
	}
	info, ok := k.branch.Branch(branchName)
	if !ok {
		return nil, types.NotFound("branch not found: " + branchName)
	}
	space, err := k.branch.EnsureSpace(info.ID, spaceName)
	if err != nil {
		return nil, err
	}
	kk := kkey.New(info.ID, space.ID, tag, userKey)
	svs := k.store.History(kk)
	out := make([]HistoryEntry, 0, len(svs))
	for _, sv := range svs {
		out = append(out, HistoryEntry{Value: sv.Value, Version: sv.Version, Tombstone: sv.Tombstone})
	}
	return out, nil
}

// CreateBranch registers a new branch with the given durability policy.
func (k *Kernel) CreateBranch(name string, mode durability.Mode) error {
	if err := k.requireOpen(); err != nil {
		return err
	}
	policy := policyForMode(mode)
	_, err := k.branch.CreateBranch(name, policy)
	return err
}

// DeleteBranch removes a non-default branch, tombstoning every key it owns.
func (k *Kernel) DeleteBranch(name string) error {
	if err := k.requireOpen(); err != nil {
		return err
	}
	return k.branch.DeleteBranch(name)
}

// ListBranches returns every registered branch name.
func (k *Kernel) ListBranches() ([]string, error) {
	if err := k.requireOpen(); err != nil {
		return nil, err
	}
	infos := k.branch.ListBranches()
	out := make([]string, 0, len(infos))
	for _, info := range infos {
		out = append(out, info.Name)
	}
	return out, nil
}

// SetSpace registers spaceName under branchName if it does not already
// exist. It is idempotent.
func (k *Kernel) SetSpace(branchName, spaceName string) error {
	if err := k.requireOpen(); err != nil {
		return err
	}
	info, ok := k.branch.Branch(branchName)
	if !ok {
		return types.NotFound("branch not found: " + branchName)
	}
	_, err := k.branch.CreateSpace(info.ID, spaceName)
	return err
}

// DeleteSpace removes spaceName from branchName. force is required when the
// space still holds live keys.
func (k *Kernel) DeleteSpace(branchName, spaceName string, force bool) error {
	if err := k.requireOpen(); err != nil {
		return err
	}
	info, ok := k.branch.Branch(branchName)
	if !ok {
		return types.NotFound("branch not found: " + branchName)
	}
	return k.branch.DeleteSpace(info.ID, spaceName, force)
}

// SetBranchDurability reconfigures a branch's durability policy in place.
func (k *Kernel) SetBranchDurability(branchName string, mode durability.Mode) error {
	if err := k.requireOpen(); err != nil {
		return err
	}
	return k.branch.SetBranchPolicy(branchName, policyForMode(mode))
}

func policyForMode(mode durability.Mode) durability.Policy {
	switch mode {
	case durability.Ephemeral:
		return durability.EphemeralPolicy()
	case durability.Buffered:
		return durability.BufferedPolicy(0, 0)
	default:
		return durability.StrictPolicy()
	}
}
