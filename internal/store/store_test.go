package store

import (
	"testing"

	"stratadb/internal/kkey"
	"stratadb/internal/types"
)

func testKey(userKey string) kkey.Key {
	return kkey.New(1, 1, kkey.TagKV, []byte(userKey))
}

func TestStoreGetReturnsNewestVisibleVersion(t *testing.T) {
	s := New(4)
	k := testKey("a")

	if err := s.ApplyCommitted(k, types.Live(types.Int(1), types.TxnVersion(1), 100, 1, nil)); err != nil {
		t.Fatalf("apply v1: %v", err)
	}
	if err := s.ApplyCommitted(k, types.Live(types.Int(2), types.TxnVersion(2), 200, 2, nil)); err != nil {
		t.Fatalf("apply v2: %v", err)
	}

	sv, ok := s.Get(k, types.TxnVersion(1))
	if !ok || sv.Value.AsInt() != 1 {
		t.Fatalf("expected v1 visible at snapshot 1, got %+v ok=%v", sv, ok)
	}

	sv, ok = s.Get(k, types.TxnVersion(2))
	if !ok || sv.Value.AsInt() != 2 {
		t.Fatalf("expected v2 visible at snapshot 2, got %+v ok=%v", sv, ok)
	}

	sv, ok = s.Get(k, types.TxnVersion(10))
	if !ok || sv.Value.AsInt() != 2 {
		t.Fatalf("expected v2 visible at snapshot 10 (newest <= snapshot), got %+v ok=%v", sv, ok)
	}

	if _, ok := s.Get(k, types.TxnVersion(0)); ok {
		t.Fatalf("expected nothing visible before first commit")
	}
}

func TestStoreMonotonicityViolationRejected(t *testing.T) {
	s := New(4)
	k := testKey("a")

	if err := s.ApplyCommitted(k, types.Live(types.Int(1), types.TxnVersion(5), 100, 1, nil)); err != nil {
		t.Fatalf("apply v5: %v", err)
	}
	err := s.ApplyCommitted(k, types.Live(types.Int(2), types.TxnVersion(3), 90, 2, nil))
	if err == nil {
		t.Fatalf("expected monotonicity violation to be rejected")
	}
}

func TestStoreTombstoneDistinctFromAbsent(t *testing.T) {
	s := New(4)
	k := testKey("a")

	if err := s.ApplyCommitted(k, types.Live(types.Int(1), types.TxnVersion(1), 100, 1, nil)); err != nil {
		t.Fatalf("apply v1: %v", err)
	}
	if err := s.ApplyCommitted(k, types.Deleted(types.TxnVersion(2), 200, 2)); err != nil {
		t.Fatalf("apply tombstone: %v", err)
	}

	if _, ok := s.Get(k, types.TxnVersion(2)); ok {
		t.Fatalf("Get should not surface a tombstoned key")
	}

	sv, tombstoned, ok := s.Probe(k, types.TxnVersion(2))
	if !ok {
		t.Fatalf("Probe should find the tombstone link")
	}
	if !tombstoned {
		t.Fatalf("Probe should report tombstoned=true")
	}
	_ = sv

	other := testKey("never-written")
	if _, _, ok := s.Probe(other, types.TxnVersion(2)); ok {
		t.Fatalf("Probe on a never-written key must report ok=false")
	}
}

func TestStoreHistoryIncludesTombstones(t *testing.T) {
	s := New(4)
	k := testKey("a")

	s.ApplyCommitted(k, types.Live(types.Int(1), types.TxnVersion(1), 100, 1, nil))
	s.ApplyCommitted(k, types.Deleted(types.TxnVersion(2), 200, 2))
	s.ApplyCommitted(k, types.Live(types.Int(3), types.TxnVersion(3), 300, 3, nil))

	hist := s.History(k)
	if len(hist) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(hist))
	}
	if hist[0].Value.AsInt() != 3 {
		t.Fatalf("expected newest-first ordering, head was %+v", hist[0])
	}
	if !hist[1].Tombstone {
		t.Fatalf("expected middle entry to be the tombstone")
	}
}

func TestStoreListFiltersByPrefixAndVisibility(t *testing.T) {
	s := New(4)
	k1 := kkey.New(1, 1, kkey.TagKV, []byte("users/1"))
	k2 := kkey.New(1, 1, kkey.TagKV, []byte("users/2"))
	k3 := kkey.New(1, 1, kkey.TagKV, []byte("orders/1"))

	s.ApplyCommitted(k1, types.Live(types.String("a"), types.TxnVersion(1), 100, 1, nil))
	s.ApplyCommitted(k2, types.Live(types.String("b"), types.TxnVersion(2), 200, 2, nil))
	s.ApplyCommitted(k3, types.Live(types.String("c"), types.TxnVersion(3), 300, 3, nil))
	s.ApplyCommitted(k2, types.Deleted(types.TxnVersion(4), 400, 4))

	entries := s.List(1, 1, kkey.TagKV, []byte("users/"), types.TxnVersion(10))
	if len(entries) != 1 {
		t.Fatalf("expected 1 live entry under users/, got %d", len(entries))
	}
	if string(entries[0].Key.UserKey) != "users/1" {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}
}

func TestStoreApplyBatchAllOrNothing(t *testing.T) {
	s := New(4)
	k1 := testKey("a")
	k2 := testKey("b")

	s.ApplyCommitted(k1, types.Live(types.Int(1), types.TxnVersion(5), 100, 1, nil))

	writes := []Write{
		{Key: k1, Value: types.Live(types.Int(2), types.TxnVersion(6), 200, 2, nil)},
		{Key: k2, Value: types.Live(types.Int(9), types.TxnVersion(1), 50, 2, nil)},
	}
	if err := s.ApplyBatch(writes); err != nil {
		t.Fatalf("valid batch rejected: %v", err)
	}
	if _, ok := s.Get(k2, types.TxnVersion(1)); !ok {
		t.Fatalf("expected k2 write from batch to be visible")
	}

	badWrites := []Write{
		{Key: k1, Value: types.Live(types.Int(3), types.TxnVersion(3), 300, 3, nil)}, // stale version
		{Key: k2, Value: types.Live(types.Int(10), types.TxnVersion(2), 60, 3, nil)},
	}
	if err := s.ApplyBatch(badWrites); err == nil {
		t.Fatalf("expected batch with a stale version to be rejected")
	}
	if sv, ok := s.Get(k2, types.TxnVersion(2)); !ok || sv.Value.AsInt() != 9 {
		t.Fatalf("k2's second write must not have applied since the batch was rejected, got %+v ok=%v", sv, ok)
	}
}

func TestPinBlocksGCBelowPinnedVersion(t *testing.T) {
	s := New(4)
	k := testKey("a")

	for i := uint64(1); i <= 5; i++ {
		s.ApplyCommitted(k, types.Live(types.Int(int64(i)), types.TxnVersion(i), i*100, i, nil))
	}

	unpin := s.Pin(types.TxnVersion(2))
	defer unpin()

	s.GCHorizon(types.TxnVersion(5))

	sv, ok := s.Get(k, types.TxnVersion(2))
	if !ok || sv.Value.AsInt() != 2 {
		t.Fatalf("pinned version 2 must still resolve after GC, got %+v ok=%v", sv, ok)
	}
}

func TestGCHorizonTrimsPastWatermarkWithNoPins(t *testing.T) {
	s := New(4)
	k := testKey("a")

	for i := uint64(1); i <= 5; i++ {
		s.ApplyCommitted(k, types.Live(types.Int(int64(i)), types.TxnVersion(i), i*100, i, nil))
	}

	dropped := s.GCHorizon(types.TxnVersion(5))
	if dropped == 0 {
		t.Fatalf("expected GC to drop superseded links with no pins active")
	}

	sv, ok := s.Get(k, types.TxnVersion(5))
	if !ok || sv.Value.AsInt() != 5 {
		t.Fatalf("newest version must still resolve after GC, got %+v ok=%v", sv, ok)
	}
}

func TestPinUnpinIsIdempotent(t *testing.T) {
	s := New(4)
	unpin := s.Pin(types.TxnVersion(1))
	if s.pins.Count() != 1 {
		t.Fatalf("expected 1 pin registered")
	}
	unpin()
	unpin()
	if s.pins.Count() != 0 {
		t.Fatalf("expected pin count 0 after unpin, double-unpin must be a no-op")
	}
}

func TestStatsReportsShardAndMemoryUsage(t *testing.T) {
	s := New(4)
	k := testKey("a")
	s.ApplyCommitted(k, types.Live(types.String("hello"), types.TxnVersion(1), 100, 1, nil))

	stats := s.Stats()
	if stats.ShardCount != 4 {
		t.Fatalf("expected shard count 4, got %d", stats.ShardCount)
	}
	if stats.TotalChains != 1 {
		t.Fatalf("expected 1 chain tracked, got %d", stats.TotalChains)
	}
	if stats.MemoryBudget.TotalUsage <= 0 {
		t.Fatalf("expected positive memory usage after a write, got %d", stats.MemoryBudget.TotalUsage)
	}
}
