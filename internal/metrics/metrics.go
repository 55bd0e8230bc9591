// Package metrics wires the kernel's Prometheus instrumentation, grounded on
// the teacher's pkg/metrics package. Unlike the teacher's package-level
// default-registry globals, each kernel instance owns its own
// prometheus.Registry (so multiple kernels can coexist in one process, e.g.
// in tests) and exposes it via Kernel.Metrics(); nothing in this package
// starts an HTTP server or touches prometheus.DefaultRegisterer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds every counter/gauge/histogram the kernel records, all bound
// to one private registry.
type Metrics struct {
	Registry *prometheus.Registry

	CommitsTotal      prometheus.Counter
	AbortsTotal       *prometheus.CounterVec
	CommitDuration    prometheus.Histogram
	ActiveTxns        prometheus.Gauge

	WALBytesWritten prometheus.Counter
	WALFsyncsTotal  prometheus.Counter
	WALRotations    prometheus.Counter

	SnapshotsTotal    prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	CompactionsTotal  prometheus.Counter
	CompactionDuration prometheus.Histogram

	ChainLinksTotal prometheus.Gauge
	GCLinksDropped  prometheus.Counter
}

// New creates a Metrics bound to a fresh, private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		CommitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stratadb_commits_total",
			Help: "Total number of transactions committed.",
		}),
		AbortsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stratadb_aborts_total",
			Help: "Total number of transactions aborted, by reason.",
		}, []string{"reason"}),
		CommitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stratadb_commit_duration_seconds",
			Help:    "Latency of the commit protocol, from Commit being called to it returning.",
			Buckets: prometheus.DefBuckets,
		}),
		ActiveTxns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stratadb_active_transactions",
			Help: "Number of transactions currently open.",
		}),
		WALBytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stratadb_wal_bytes_written_total",
			Help: "Total bytes appended to WAL segments.",
		}),
		WALFsyncsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stratadb_wal_fsyncs_total",
			Help: "Total fsync calls issued against WAL segments.",
		}),
		WALRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stratadb_wal_rotations_total",
			Help: "Total WAL segment rotations.",
		}),
		SnapshotsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stratadb_snapshots_total",
			Help: "Total snapshots written.",
		}),
		SnapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stratadb_snapshot_duration_seconds",
			Help:    "Time taken to write a snapshot.",
			Buckets: prometheus.DefBuckets,
		}),
		CompactionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stratadb_compactions_total",
			Help: "Total compaction runs completed.",
		}),
		CompactionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stratadb_compaction_duration_seconds",
			Help:    "Time taken per compaction run.",
			Buckets: prometheus.DefBuckets,
		}),
		ChainLinksTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stratadb_chain_links",
			Help: "Total version chain links currently held across all shards.",
		}),
		GCLinksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stratadb_gc_links_dropped_total",
			Help: "Total version chain links dropped by GC horizon trimming.",
		}),
	}

	reg.MustRegister(
		m.CommitsTotal,
		m.AbortsTotal,
		m.CommitDuration,
		m.ActiveTxns,
		m.WALBytesWritten,
		m.WALFsyncsTotal,
		m.WALRotations,
		m.SnapshotsTotal,
		m.SnapshotDuration,
		m.CompactionsTotal,
		m.CompactionDuration,
		m.ChainLinksTotal,
		m.GCLinksDropped,
	)
	return m
}

// WALBytesWrittenValue reads WALBytesWritten's current cumulative value, for
// the kernel's byte-threshold snapshot trigger (spec.md §9
// SnapshotTrigger.WALBytes) to compare against its last-snapshot baseline.
func (m *Metrics) WALBytesWrittenValue() float64 {
	var dtoM dto.Metric
	if err := m.WALBytesWritten.Write(&dtoM); err != nil {
		return 0
	}
	return dtoM.GetCounter().GetValue()
}

// Timer measures an operation's duration for later histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}
