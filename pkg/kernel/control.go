// pkg/kernel/control.go
//
// Control-surface commands described in spec.md §6: flush, compact, ping,
// info. Grounded on the teacher's pager.Checkpoint/Sync pattern (force a
// durable point, then let normal operation resume) adapted to a snapshot +
// WAL-segment-removal compaction cycle instead of a single page file sync.
package kernel

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"stratadb/internal/metrics"
	"stratadb/internal/recovery"
	"stratadb/internal/snapshot"
	"stratadb/internal/store"
	"stratadb/internal/types"
	"stratadb/internal/wal"
)

// Ping reports whether the kernel is reachable and open.
func (k *Kernel) Ping() error {
	return k.requireOpen()
}

// InfoReport summarizes kernel occupancy for the `info` control command.
type InfoReport struct {
	DatabaseUUID string
	Branches     []string
	Store        store.Stats
}

// Info reports current kernel occupancy.
func (k *Kernel) Info() (InfoReport, error) {
	if err := k.requireOpen(); err != nil {
		return InfoReport{}, err
	}
	names, err := k.ListBranches()
	if err != nil {
		return InfoReport{}, err
	}
	return InfoReport{
		DatabaseUUID: k.dbUUID.String(),
		Branches:     names,
		Store:        k.store.Stats(),
	}, nil
}

// Flush forces branchName's buffered WAL writes to be durable immediately,
// regardless of its configured durability mode's timer/byte threshold.
func (k *Kernel) Flush(branchName string) error {
	if err := k.requireOpen(); err != nil {
		return err
	}
	info, ok := k.branch.Branch(branchName)
	if !ok {
		return types.NotFound("branch not found: " + branchName)
	}
	return k.occ.FlushBranch(info.ID)
}

// Compact writes a new snapshot of the current store state, promotes it via
// an atomic MANIFEST swap, then removes every WAL segment fully absorbed by
// the new watermark across every branch.
func (k *Kernel) Compact() error {
	if err := k.requireOpen(); err != nil {
		return err
	}
	return k.compact()
}

// compact is Compact's body, split out so the shutdown trigger (spec.md §9
// SnapshotTrigger.OnShutdown) can run it from Close after the kernel has
// already been marked closed, when requireOpen would otherwise refuse it.
func (k *Kernel) compact() error {
	timer := metrics.NewTimer()

	branches := k.branch.ListBranches()
	data := snapshot.Data{DatabaseUUID: k.dbUUID}

	// branchWatermarks holds each branch's own commit counter, used both as
	// that branch's BranchSection.Watermark and as the per-branch WAL
	// compaction threshold below (spec.md §5: "per-branch clocks are
	// independent" — a single global watermark would either compact a
	// low-activity branch's unabsorbed segments, or seed its recovered
	// counter from an unrelated branch's higher one).
	branchWatermarks := make(map[uint64]uint64, len(branches))
	var topWatermark uint64

	for _, b := range branches {
		if err := k.occ.FlushBranch(b.ID); err != nil {
			return err
		}
		commit, err := k.occ.CommitCounter(b.ID)
		if err != nil {
			return err
		}
		branchWatermarks[b.ID] = commit
		if commit > topWatermark {
			topWatermark = commit
		}
		commitVer := types.TxnVersion(commit)

		entries := k.store.ListBranch(b.ID, commitVer)
		bySpace := make(map[uint64][]snapshot.Entry)
		var spaceOrder []uint64
		for _, e := range entries {
			if _, seen := bySpace[e.Key.SpaceID]; !seen {
				spaceOrder = append(spaceOrder, e.Key.SpaceID)
			}
			bySpace[e.Key.SpaceID] = append(bySpace[e.Key.SpaceID], snapshot.Entry{Key: e.Key, Value: e.Value})
		}
		section := snapshot.BranchSection{BranchID: b.ID, Watermark: commit}
		for _, spaceID := range spaceOrder {
			section.Spaces = append(section.Spaces, snapshot.SpaceSection{SpaceID: spaceID, Entries: bySpace[spaceID]})
		}
		data.Branches = append(data.Branches, section)

		horizon := k.store.GCHorizonFor(commitVer)
		tombs := k.store.ListBranchTombstones(b.ID, commitVer)
		var refs []snapshot.TombstoneEntry
		for _, t := range tombs {
			refs = append(refs, snapshot.TombstoneEntry{Key: t.Key, Version: t.Version})
		}
		data.Tombstones = append(data.Tombstones, snapshot.TombstoneHorizon(refs, horizon.Num())...)
	}
	data.Watermark = topWatermark

	snapDir := filepath.Join(k.cfg.DataDir, recovery.SnapshotsDirName)
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		return err
	}
	name, err := snapshot.Write(snapDir, data)
	if err != nil {
		return err
	}
	if err := snapshot.WriteAtomic(k.cfg.DataDir, snapshot.Manifest{SnapshotName: name, Watermark: topWatermark, CodecID: 1}); err != nil {
		return err
	}
	k.metrics.SnapshotsTotal.Inc()
	timer.ObserveDuration(k.metrics.SnapshotDuration)

	if err := pruneOldSnapshots(snapDir, name, k.cfg.SnapshotRetention); err != nil {
		return err
	}

	compactTimer := metrics.NewTimer()
	for _, b := range branches {
		branchDir := filepath.Join(k.cfg.DataDir, recovery.WALDirName, strconv.FormatUint(b.ID, 10))
		segs, err := wal.ListSegmentFiles(branchDir)
		if err != nil {
			return err
		}
		if len(segs) == 0 {
			continue // Ephemeral branch, or one that has never committed
		}
		active := segs[len(segs)-1].Path
		var infos []snapshot.SegmentInfo
		for _, s := range segs {
			info, err := snapshot.Inspect(s.Path)
			if err != nil {
				return err
			}
			infos = append(infos, info)
		}
		plan := snapshot.Plan(infos, branchWatermarks[b.ID], active)
		if err := snapshot.Remove(plan); err != nil {
			return err
		}
	}
	k.metrics.CompactionsTotal.Inc()
	compactTimer.ObserveDuration(k.metrics.CompactionDuration)
	return nil
}

// pruneOldSnapshots removes snapshot files under snapDir beyond the most
// recent retain predecessors of keepName (spec.md §9 SnapshotRetention),
// keeping only the current snapshot plus the newest retain prior ones.
// retain <= 0 is treated as "keep everything" (no pruning).
func pruneOldSnapshots(snapDir, keepName string, retain int) error {
	if retain <= 0 {
		return nil
	}
	entries, err := os.ReadDir(snapDir)
	if err != nil {
		return err
	}
	type snap struct {
		name      string
		watermark uint64
	}
	var others []snap
	for _, e := range entries {
		if e.IsDir() || e.Name() == keepName {
			continue
		}
		if filepath.Ext(e.Name()) != ".snap" {
			continue
		}
		base := strings.TrimSuffix(strings.TrimPrefix(e.Name(), "snap-"), ".snap")
		watermark, err := strconv.ParseUint(base, 10, 64)
		if err != nil {
			continue
		}
		others = append(others, snap{name: e.Name(), watermark: watermark})
	}
	sort.Slice(others, func(i, j int) bool { return others[i].watermark < others[j].watermark })
	keepPrior := retain
	if len(others) <= keepPrior {
		return nil
	}
	for _, s := range others[:len(others)-keepPrior] {
		if err := os.Remove(filepath.Join(snapDir, s.name)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
