// internal/types/errors_test.go
package types

import (
	"errors"
	"testing"
)

func TestErrorIsMatchesByKind(t *testing.T) {
	err := NotFound("key \"k\" not found")
	if !errors.Is(err, New(KindNotFound, "")) {
		t.Error("errors.Is should match on Kind regardless of message")
	}
	if errors.Is(err, New(KindWrongType, "")) {
		t.Error("errors.Is should not match a different Kind")
	}
}

func TestVersionConflictErrCarriesDetail(t *testing.T) {
	exp := TxnVersion(5)
	act := TxnVersion(6)
	err := VersionConflictErr("k1", exp, act)
	if err.Kind != KindVersionConflict {
		t.Fatalf("expected KindVersionConflict, got %v", err.Kind)
	}
	if !err.Expected.Equal(exp) || !err.Actual.Equal(act) {
		t.Error("VersionConflictErr must carry expected/actual versions")
	}
}

func TestInternalErrorUnwraps(t *testing.T) {
	cause := errors.New("disk exploded")
	err := Internal(cause, "store assertion failed")
	if errors.Unwrap(err) == nil {
		t.Error("Internal error should unwrap to its cause")
	}
}

func TestDimensionMismatchErr(t *testing.T) {
	err := DimensionMismatchErr(128, 64)
	if err.ExpectedDim != 128 || err.ActualDim != 64 {
		t.Error("DimensionMismatchErr must carry both dimensions")
	}
}
