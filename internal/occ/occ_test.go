package occ

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"stratadb/internal/durability"
	"stratadb/internal/kkey"
	"stratadb/internal/store"
	"stratadb/internal/types"
)

func newTestManager(t *testing.T, walDir string) *Manager {
	t.Helper()
	return NewManager(Options{
		Store:             store.New(4),
		WALRootDir:        walDir,
		DatabaseUUID:      uuid.New(),
		MaxSegmentBytes:   1024 * 1024,
		CommitLockTimeout: 2 * time.Second,
		Logger:            zerolog.Nop(),
	})
}

func testKey(userKey string) kkey.Key {
	return kkey.New(1, 1, kkey.TagKV, []byte(userKey))
}

func TestBeginCommitReadYourWrites(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	if err := m.RegisterBranch(1, durability.EphemeralPolicy()); err != nil {
		t.Fatalf("register branch: %v", err)
	}

	tx, err := m.Begin(1)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	k := testKey("a")
	if err := tx.Put(k, types.Int(7), nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, ok, err := tx.Get(k)
	if err != nil || !ok || v.AsInt() != 7 {
		t.Fatalf("expected read-your-writes to see 7, got %+v ok=%v err=%v", v, ok, err)
	}

	if err := m.Commit(tx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if tx.State() != StateCommitted {
		t.Fatalf("expected committed state, got %v", tx.State())
	}

	tx2, err := m.Begin(1)
	if err != nil {
		t.Fatalf("begin 2: %v", err)
	}
	v, ok, err = tx2.Get(k)
	if err != nil || !ok || v.AsInt() != 7 {
		t.Fatalf("expected committed value visible to new transaction, got %+v ok=%v err=%v", v, ok, err)
	}
}

func TestReadOnlyTransactionSkipsCommitLock(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	if err := m.RegisterBranch(1, durability.EphemeralPolicy()); err != nil {
		t.Fatalf("register: %v", err)
	}

	bs, err := m.branchStateFor(1)
	if err != nil {
		t.Fatalf("branch state: %v", err)
	}
	// Hold the commit lock for the whole test; a read-only commit must not
	// need it.
	if err := bs.acquireCommitLock(0); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer bs.releaseCommitLock()

	tx, err := m.Begin(1)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, _, err := tx.Get(testKey("nope")); err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := m.Commit(tx); err != nil {
		t.Fatalf("expected read-only commit to succeed without the commit lock: %v", err)
	}
}

func TestBlindWriteSkipsValidation(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	if err := m.RegisterBranch(1, durability.EphemeralPolicy()); err != nil {
		t.Fatalf("register: %v", err)
	}
	k := testKey("a")

	txA, err := m.Begin(1)
	if err != nil {
		t.Fatalf("begin a: %v", err)
	}
	txB, err := m.Begin(1)
	if err != nil {
		t.Fatalf("begin b: %v", err)
	}

	if err := txB.Put(k, types.Int(1), nil); err != nil {
		t.Fatalf("put b: %v", err)
	}
	if err := m.Commit(txB); err != nil {
		t.Fatalf("commit b: %v", err)
	}

	// txA never read k, so its blind write to k must commit despite txB's
	// intervening commit (spec.md §4.3: blind writes skip validation).
	if err := txA.Put(k, types.Int(2), nil); err != nil {
		t.Fatalf("put a: %v", err)
	}
	if err := m.Commit(txA); err != nil {
		t.Fatalf("expected blind write to commit without validation: %v", err)
	}

	tx, err := m.Begin(1)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	v, ok, err := tx.Get(k)
	if err != nil || !ok || v.AsInt() != 2 {
		t.Fatalf("expected last writer (txA) to win, got %+v ok=%v err=%v", v, ok, err)
	}
}

func TestCommitDetectsReadSetConflict(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	if err := m.RegisterBranch(1, durability.EphemeralPolicy()); err != nil {
		t.Fatalf("register: %v", err)
	}
	k := testKey("a")
	other := testKey("b")

	txA, err := m.Begin(1)
	if err != nil {
		t.Fatalf("begin a: %v", err)
	}
	if _, _, err := txA.Get(k); err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := txA.Put(other, types.Int(1), nil); err != nil {
		t.Fatalf("put: %v", err)
	}

	txB, err := m.Begin(1)
	if err != nil {
		t.Fatalf("begin b: %v", err)
	}
	if err := txB.Put(k, types.Int(9), nil); err != nil {
		t.Fatalf("put b: %v", err)
	}
	if err := m.Commit(txB); err != nil {
		t.Fatalf("commit b: %v", err)
	}

	err = m.Commit(txA)
	if err == nil {
		t.Fatalf("expected read-set validation to reject the conflicting commit")
	}
	kernelErr, ok := err.(*types.Error)
	if !ok || kernelErr.Kind != types.KindVersionConflict {
		t.Fatalf("expected a VersionConflict error, got %v", err)
	}
	if txA.State() != StateAborted {
		t.Fatalf("expected aborted state after failed commit, got %v", txA.State())
	}
}

func TestCASSucceedsOnMatchAndFailsOnMismatch(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	if err := m.RegisterBranch(1, durability.EphemeralPolicy()); err != nil {
		t.Fatalf("register: %v", err)
	}
	k := testKey("cas")

	tx, err := m.Begin(1)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.CAS(k, types.Version{}, false, types.Int(1), nil); err != nil {
		t.Fatalf("cas create: %v", err)
	}
	if err := m.Commit(tx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	head, ok := m.store.HeadVersion(k)
	if !ok {
		t.Fatalf("expected head version after commit")
	}

	tx2, err := m.Begin(1)
	if err != nil {
		t.Fatalf("begin2: %v", err)
	}
	if err := tx2.CAS(k, head, true, types.Int(2), nil); err != nil {
		t.Fatalf("cas update: %v", err)
	}
	if err := m.Commit(tx2); err != nil {
		t.Fatalf("commit2: %v", err)
	}

	tx3, err := m.Begin(1)
	if err != nil {
		t.Fatalf("begin3: %v", err)
	}
	// Stale expected version (the one before tx2's update) must fail.
	if err := tx3.CAS(k, head, true, types.Int(3), nil); err != nil {
		t.Fatalf("cas stale: %v", err)
	}
	err = m.Commit(tx3)
	if err == nil {
		t.Fatalf("expected stale CAS to fail")
	}
	kernelErr, ok := err.(*types.Error)
	if !ok || kernelErr.Kind != types.KindTransitionFailed {
		t.Fatalf("expected TransitionFailed error, got %v", err)
	}
}

func TestCommitLockTimeoutReturnsTypedError(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	if err := m.RegisterBranch(1, durability.EphemeralPolicy()); err != nil {
		t.Fatalf("register: %v", err)
	}
	m.commitLockTimeout = 20 * time.Millisecond

	bs, err := m.branchStateFor(1)
	if err != nil {
		t.Fatalf("branch state: %v", err)
	}
	if err := bs.acquireCommitLock(0); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer bs.releaseCommitLock()

	tx, err := m.Begin(1)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.Put(testKey("a"), types.Int(1), nil); err != nil {
		t.Fatalf("put: %v", err)
	}

	err = m.Commit(tx)
	if err == nil {
		t.Fatalf("expected commit lock timeout")
	}
	kernelErr, ok := err.(*types.Error)
	if !ok || kernelErr.Kind != types.KindCommitTimeout {
		t.Fatalf("expected CommitTimeout error, got %v", err)
	}
}

func TestDeleteProducesTombstoneNotAbsence(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	if err := m.RegisterBranch(1, durability.EphemeralPolicy()); err != nil {
		t.Fatalf("register: %v", err)
	}
	k := testKey("gone")

	tx, err := m.Begin(1)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.Put(k, types.Int(1), nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := m.Commit(tx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx2, err := m.Begin(1)
	if err != nil {
		t.Fatalf("begin2: %v", err)
	}
	if err := tx2.Delete(k); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := m.Commit(tx2); err != nil {
		t.Fatalf("commit2: %v", err)
	}

	head, ok := m.store.HeadVersion(k)
	if !ok {
		t.Fatalf("expected a version chain to survive a delete")
	}
	sv, tombstoned, ok := m.store.Probe(k, head)
	if !ok || !tombstoned {
		t.Fatalf("expected the head version to be a tombstone, got %+v tombstoned=%v ok=%v", sv, tombstoned, ok)
	}
}

func TestRollbackDiscardsStagedWrites(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	if err := m.RegisterBranch(1, durability.EphemeralPolicy()); err != nil {
		t.Fatalf("register: %v", err)
	}
	k := testKey("a")

	tx, err := m.Begin(1)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.Put(k, types.Int(1), nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	m.Rollback(tx)
	if tx.State() != StateAborted {
		t.Fatalf("expected aborted state, got %v", tx.State())
	}

	if _, ok := m.store.HeadVersion(k); ok {
		t.Fatalf("expected no version to have been applied for a rolled-back transaction")
	}
}

func TestWALDurableCommitPersistsAcrossWAL(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)
	if err := m.RegisterBranch(1, durability.StrictPolicy()); err != nil {
		t.Fatalf("register: %v", err)
	}

	tx, err := m.Begin(1)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	k := testKey("a")
	if err := tx.Put(k, types.String("durable"), nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := m.Commit(tx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	bs, err := m.branchStateFor(1)
	if err != nil {
		t.Fatalf("branch state: %v", err)
	}
	bs.mu.Lock()
	w := bs.wal
	bs.mu.Unlock()
	if w == nil {
		t.Fatalf("expected a WAL to be open under strict policy")
	}
}
