package kernel

import (
	"path/filepath"
	"testing"

	"stratadb/internal/config"
	"stratadb/internal/durability"
)

func openTestKernel(t *testing.T) *Kernel {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "data")
	k, err := Open(dir, Options{Config: config.Config{ShardCount: 4}})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { k.Close() })
	return k
}

func TestOpenCreatesDefaultBranchAndIsPingable(t *testing.T) {
	k := openTestKernel(t)
	if err := k.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	names, err := k.ListBranches()
	if err != nil {
		t.Fatalf("list branches: %v", err)
	}
	found := false
	for _, n := range names {
		if n == "default" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected default branch to exist, got %v", names)
	}
}

func TestPutGetCommitRoundTrip(t *testing.T) {
	k := openTestKernel(t)
	tx, err := k.Begin("default", "widgets")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.Put(TagKV, []byte("a"), Int(42), nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, ok, err := tx.Get(TagKV, []byte("a"))
	if err != nil || !ok {
		t.Fatalf("get within txn: v=%v ok=%v err=%v", v, ok, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx2, err := k.Begin("default", "widgets")
	if err != nil {
		t.Fatalf("begin2: %v", err)
	}
	v2, ok, err := tx2.Get(TagKV, []byte("a"))
	if err != nil || !ok || v2.AsInt() != 42 {
		t.Fatalf("expected committed value visible, got v=%v ok=%v err=%v", v2, ok, err)
	}
	tx2.Rollback()
}

func TestCreateBranchAndIsolatedData(t *testing.T) {
	k := openTestKernel(t)
	if err := k.CreateBranch("feature-x", durability.Ephemeral); err != nil {
		t.Fatalf("create branch: %v", err)
	}

	tx, err := k.Begin("feature-x", "widgets")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.Put(TagKV, []byte("a"), String("hi"), nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	txDefault, err := k.Begin("default", "widgets")
	if err != nil {
		t.Fatalf("begin default: %v", err)
	}
	_, ok, err := txDefault.Get(TagKV, []byte("a"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatalf("expected feature-x's write to be invisible on default branch")
	}
	txDefault.Rollback()
}

func TestListAndHistory(t *testing.T) {
	k := openTestKernel(t)
	tx, err := k.Begin("default", "widgets")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.Put(TagKV, []byte("a"), Int(1), nil); err != nil {
		t.Fatalf("put a: %v", err)
	}
	if err := tx.Put(TagKV, []byte("b"), Int(2), nil); err != nil {
		t.Fatalf("put b: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	entries, err := k.List("default", "widgets", TagKV, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	tx2, err := k.Begin("default", "widgets")
	if err != nil {
		t.Fatalf("begin2: %v", err)
	}
	if err := tx2.Delete(TagKV, []byte("a")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := tx2.Commit(); err != nil {
		t.Fatalf("commit2: %v", err)
	}

	hist, err := k.History("default", "widgets", TagKV, []byte("a"))
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 || !hist[0].Tombstone {
		t.Fatalf("expected newest-first history with a tombstone head, got %+v", hist)
	}
}

func TestCompactWritesSnapshotAndPromotesManifest(t *testing.T) {
	k := openTestKernel(t)
	tx, err := k.Begin("default", "widgets")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.Put(TagKV, []byte("a"), Int(1), nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := k.Compact(); err != nil {
		t.Fatalf("compact: %v", err)
	}
}

func TestSecondOpenOnSameDirFailsWhileFirstIsOpen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	k, err := Open(dir, Options{Config: config.Config{ShardCount: 4}})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer k.Close()

	_, err = Open(dir, Options{Config: config.Config{ShardCount: 4}})
	if err == nil {
		t.Fatalf("expected second open of a locked data directory to fail")
	}
}

func TestReopenRecoversCommittedData(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	k, err := Open(dir, Options{Config: config.Config{ShardCount: 4}})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	tx, err := k.Begin("default", "widgets")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.Put(TagKV, []byte("a"), Int(7), nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := k.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	k2, err := Open(dir, Options{Config: config.Config{ShardCount: 4}})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer k2.Close()

	tx2, err := k2.Begin("default", "widgets")
	if err != nil {
		t.Fatalf("begin2: %v", err)
	}
	v, ok, err := tx2.Get(TagKV, []byte("a"))
	if err != nil || !ok || v.AsInt() != 7 {
		t.Fatalf("expected recovered value 7, got v=%v ok=%v err=%v", v, ok, err)
	}
	tx2.Rollback()
}
