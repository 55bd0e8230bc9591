// internal/snapshot/compaction.go
//
// Compaction removes WAL segments fully absorbed into the latest snapshot
// (spec.md §4.5): every transaction in the segment committed at or below
// the snapshot watermark, and the segment is sealed (not the one currently
// being appended to).
package snapshot

import (
	"os"

	"stratadb/internal/types"
	"stratadb/internal/wal"
)

// SegmentInfo is the subset of a WAL segment's identity compaction needs.
type SegmentInfo struct {
	Path       string
	FirstTxnID uint64
	// LastCommitVersion is the highest commit_version recorded by any
	// record in the segment; zero for an empty segment.
	LastCommitVersion uint64
}

// Plan returns the subset of segments eligible for removal: every segment
// whose LastCommitVersion is <= watermark, excluding the one segment whose
// path equals activeSegmentPath (the one still being written).
func Plan(segments []SegmentInfo, watermark uint64, activeSegmentPath string) []SegmentInfo {
	var eligible []SegmentInfo
	for _, s := range segments {
		if s.Path == activeSegmentPath {
			continue
		}
		if s.LastCommitVersion == 0 {
			continue // empty segment, nothing to absorb yet
		}
		if s.LastCommitVersion <= watermark {
			eligible = append(eligible, s)
		}
	}
	return eligible
}

// Inspect reads a sealed segment and reports its identity for Plan, without
// holding any WAL manager lock (compaction runs out of the hot path).
func Inspect(path string) (SegmentInfo, error) {
	records, _, _, err := wal.ReadSegmentRecords(path)
	if err != nil {
		return SegmentInfo{}, err
	}
	info := SegmentInfo{Path: path}
	for _, r := range records {
		if info.FirstTxnID == 0 || r.TxnID < info.FirstTxnID {
			info.FirstTxnID = r.TxnID
		}
		if cv := r.CommitVersion.Num(); cv > info.LastCommitVersion {
			info.LastCommitVersion = cv
		}
	}
	return info, nil
}

// Remove deletes every segment in plan. It stops and returns an error on
// the first failure, leaving remaining segments untouched (compaction is
// safe to retry: a segment not yet removed is simply considered again next
// cycle).
func Remove(plan []SegmentInfo) error {
	for _, s := range plan {
		if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
			return types.IO(err, "remove compacted wal segment "+s.Path)
		}
	}
	return nil
}

// TombstoneHorizon returns the tombstone entries in idx to keep in the
// tombstone index: those whose Version is above the GC horizon
// (min(watermark, min_pinned), spec.md §4.5), which a live snapshot may
// still need to observe. Entries at or below the horizon are dropped
// (the store's own version chain already carries the tombstone link for
// anything a pinned reader might need).
func TombstoneHorizon(idx []TombstoneEntry, horizon uint64) []TombstoneEntry {
	var kept []TombstoneEntry
	for _, t := range idx {
		if t.Version.Num() > horizon {
			kept = append(kept, t)
		}
	}
	return kept
}
