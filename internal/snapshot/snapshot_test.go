package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"stratadb/internal/kkey"
	"stratadb/internal/types"
)

func sampleData(watermark uint64) Data {
	k1 := kkey.New(1, 1, kkey.TagKV, []byte("a"))
	k2 := kkey.New(1, 1, kkey.TagKV, []byte("b"))
	return Data{
		DatabaseUUID: uuid.New(),
		Watermark:    watermark,
		Branches: []BranchSection{
			{
				BranchID: 1,
				Spaces: []SpaceSection{
					{
						SpaceID: 1,
						Entries: []Entry{
							{Key: k1, Value: types.Live(types.Int(1), types.TxnVersion(1), 100, 1, nil)},
							{Key: k2, Value: types.Live(types.String("hi"), types.TxnVersion(2), 200, 2, nil)},
						},
					},
				},
			},
		},
		Tombstones: []TombstoneEntry{
			{Key: kkey.New(1, 1, kkey.TagKV, []byte("deleted")), Version: types.TxnVersion(3)},
		},
	}
}

func TestSnapshotWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	data := sampleData(42)

	name, err := Write(dir, data)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if name != "snap-42.snap" {
		t.Fatalf("unexpected snapshot filename: %s", name)
	}
	if _, err := os.Stat(filepath.Join(dir, name+".tmp")); !os.IsNotExist(err) {
		t.Fatalf("temp file should not remain after promote")
	}

	got, err := Read(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Watermark != 42 {
		t.Fatalf("watermark mismatch: %d", got.Watermark)
	}
	if len(got.Branches) != 1 || len(got.Branches[0].Spaces) != 1 || len(got.Branches[0].Spaces[0].Entries) != 2 {
		t.Fatalf("unexpected section shape: %+v", got.Branches)
	}
	if len(got.Tombstones) != 1 {
		t.Fatalf("expected 1 tombstone entry, got %d", len(got.Tombstones))
	}
}

func TestSnapshotRejectsCorruptedSection(t *testing.T) {
	dir := t.TempDir()
	data := sampleData(7)
	name, err := Write(dir, data)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	path := filepath.Join(dir, name)

	buf, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read raw: %v", err)
	}
	// Flip a byte inside the branch section payload (well past the fixed
	// header) to simulate corruption.
	buf[snapshotHeaderFixedSize+8] ^= 0xFF
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("rewrite corrupted: %v", err)
	}

	if _, err := Read(path); err == nil {
		t.Fatalf("expected corrupted snapshot section to be rejected")
	}
}

func TestManifestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := Manifest{SnapshotName: "snap-42.snap", Watermark: 42, CodecID: 1, Flags: 0}
	if err := WriteAtomic(dir, m); err != nil {
		t.Fatalf("write atomic: %v", err)
	}
	got, err := ReadManifest(dir)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != m {
		t.Fatalf("manifest mismatch: %+v != %+v", got, m)
	}
}

func TestManifestMissingIsNotFoundNotCorrupt(t *testing.T) {
	dir := t.TempDir()
	_, err := ReadManifest(dir)
	if !os.IsNotExist(err) {
		t.Fatalf("expected os.IsNotExist for a missing manifest, got %v", err)
	}
}

func TestManifestRejectsCRCMismatch(t *testing.T) {
	dir := t.TempDir()
	m := Manifest{SnapshotName: "snap-1.snap", Watermark: 1}
	if err := WriteAtomic(dir, m); err != nil {
		t.Fatalf("write: %v", err)
	}
	path := filepath.Join(dir, ManifestName)
	buf, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	buf[10] ^= 0xFF
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if _, err := ReadManifest(dir); err == nil {
		t.Fatalf("expected crc mismatch to be rejected")
	}
}

func TestCompactionPlanExcludesActiveAndAbovewatermark(t *testing.T) {
	segs := []SegmentInfo{
		{Path: "seg-1.wal", FirstTxnID: 1, LastCommitVersion: 5},
		{Path: "seg-6.wal", FirstTxnID: 6, LastCommitVersion: 12},
		{Path: "seg-13.wal", FirstTxnID: 13, LastCommitVersion: 0}, // active, empty
	}
	plan := Plan(segs, 10, "seg-13.wal")
	if len(plan) != 1 || plan[0].Path != "seg-1.wal" {
		t.Fatalf("expected only seg-1.wal eligible, got %+v", plan)
	}
}

func TestTombstoneHorizonDropsBelowHorizonOnly(t *testing.T) {
	idx := []TombstoneEntry{
		{Key: kkey.New(1, 1, kkey.TagKV, []byte("a")), Version: types.TxnVersion(5)},
		{Key: kkey.New(1, 1, kkey.TagKV, []byte("b")), Version: types.TxnVersion(15)},
	}
	kept := TombstoneHorizon(idx, 10)
	if len(kept) != 1 || kept[0].Version.Num() != 15 {
		t.Fatalf("expected only the version-15 tombstone to survive, got %+v", kept)
	}
}
