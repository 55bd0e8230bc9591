// internal/types/version_test.go
package types

import "testing"

func TestVersionCompareTxn(t *testing.T) {
	a := TxnVersion(1)
	b := TxnVersion(2)
	if !a.Less(b) {
		t.Error("Txn(1) should be less than Txn(2)")
	}
	if a.Compare(a) != 0 {
		t.Error("a version should compare equal to itself")
	}
}

func TestVersionCompareCounter(t *testing.T) {
	a := CounterVersion(5)
	b := CounterVersion(5)
	if !a.Equal(b) {
		t.Error("equal counters should compare equal")
	}
}

func TestVersionHash(t *testing.T) {
	a := HashVersion([]byte{1, 2, 3})
	b := HashVersion([]byte{1, 2, 4})
	if a.Equal(b) {
		t.Error("differing hashes should not be equal")
	}
}

func TestStoredValueTombstoneDistinctFromNull(t *testing.T) {
	ts := Deleted(TxnVersion(3), 100, 3)
	if !ts.Tombstone {
		t.Error("Deleted() must produce a Tombstone")
	}

	nullLink := Live(Null(), TxnVersion(4), 100, 4, nil)
	if nullLink.Tombstone {
		t.Error("a live Null value must not be a tombstone")
	}
}
