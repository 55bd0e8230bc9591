// Package config defines the kernel's plain configuration surface
// (spec.md §9 "Configuration surface"), following the teacher's
// turdb.Options / pager.Options pattern: a struct of recognized fields with
// defaults applied by the caller (pkg/kernel.Open), no env or flag parsing
// inside the kernel itself.
package config

import (
	"time"

	"stratadb/internal/durability"
)

// Defaults match spec.md §9's documented option set.
const (
	DefaultShardCount             = 64
	DefaultWALSegmentMaxBytes     = 64 * 1024 * 1024
	DefaultSnapshotRetention      = 3
	DefaultCommitLockTimeout      = 5 * time.Second
	DefaultSnapshotIntervalMins   = 15 * time.Minute
	DefaultSnapshotTriggerWALSize = 128 * 1024 * 1024
)

// SnapshotTrigger selects when the kernel takes a new snapshot (spec.md §9).
type SnapshotTrigger struct {
	// WALBytes triggers a snapshot once the WAL bytes written across all
	// branches since the last snapshot reach this many bytes. WithDefaults
	// replaces a non-positive value with DefaultSnapshotTriggerWALSize.
	WALBytes int64
	// Interval triggers a snapshot on a wall-clock timer. WithDefaults
	// replaces a non-positive value with DefaultSnapshotIntervalMins.
	Interval time.Duration
	// OnShutdown takes a final snapshot during Close.
	OnShutdown bool
}

// Config is the kernel's full configuration surface.
type Config struct {
	// ShardCount is the store's parallelism: a positive power of two.
	ShardCount int
	// WALSegmentMaxBytes is the per-segment rotation threshold.
	WALSegmentMaxBytes int64
	// SnapshotTrigger controls when background snapshots run.
	SnapshotTrigger SnapshotTrigger
	// SnapshotRetention caps how many prior snapshot files are kept
	// after a successful compaction.
	SnapshotRetention int
	// VersionRetentionPerKey is accepted but not read by any code path:
	// GC trims chains by the pin/watermark horizon only and applies no
	// per-key link cap.
	VersionRetentionPerKey int
	// CommitLockTimeout bounds how long a commit waits to acquire its
	// branch's commit lock before aborting with a typed error.
	// WithDefaults replaces a non-positive value with
	// DefaultCommitLockTimeout.
	CommitLockTimeout time.Duration
	// DataDir is the root directory holding MANIFEST, snapshots/, and
	// wal/<branch_id>/.
	DataDir string
	// DefaultDurabilityMode is the policy applied to the reserved
	// "default" branch at first boot. Ephemeral if left unset (the zero
	// Mode).
	DefaultDurabilityMode durability.Mode
}

// DefaultBranchPolicy resolves DefaultDurabilityMode into a full Policy,
// applying durability's own defaults for Buffered's interval/bytes.
func (c Config) DefaultBranchPolicy() durability.Policy {
	switch c.DefaultDurabilityMode {
	case durability.Ephemeral:
		return durability.EphemeralPolicy()
	case durability.Buffered:
		return durability.BufferedPolicy(0, 0)
	default:
		return durability.StrictPolicy()
	}
}

// WithDefaults returns a copy of c with every zero-valued field replaced by
// its documented default.
func (c Config) WithDefaults() Config {
	if c.ShardCount <= 0 {
		c.ShardCount = DefaultShardCount
	}
	if c.WALSegmentMaxBytes <= 0 {
		c.WALSegmentMaxBytes = DefaultWALSegmentMaxBytes
	}
	if c.SnapshotRetention <= 0 {
		c.SnapshotRetention = DefaultSnapshotRetention
	}
	if c.CommitLockTimeout <= 0 {
		c.CommitLockTimeout = DefaultCommitLockTimeout
	}
	if c.SnapshotTrigger.Interval <= 0 {
		c.SnapshotTrigger.Interval = DefaultSnapshotIntervalMins
	}
	if c.SnapshotTrigger.WALBytes <= 0 {
		c.SnapshotTrigger.WALBytes = DefaultSnapshotTriggerWALSize
	}
	return c
}
