// internal/wal/wal.go
//
// WAL is the per-branch segmented write-ahead log described in spec.md §4.4.
// One WAL manages exactly one branch's directory (wal/<branch_id>/);
// internal/occ holds one WAL instance per open branch. Grounded on the
// teacher's pkg/wal segmented-append-and-rotate structure, restructured from
// page frames to commit records.
package wal

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"stratadb/internal/codec"
	"stratadb/internal/durability"
	"stratadb/internal/metrics"
	"stratadb/internal/types"
)

const segmentFilePrefix = "seg-"
const segmentFileSuffix = ".wal"

// Options configures a WAL manager for one branch.
type Options struct {
	Dir             string
	BranchID        uint64
	DatabaseUUID    uuid.UUID
	MaxSegmentBytes int64
	Policy          durability.Policy
	Logger          zerolog.Logger
	// Metrics receives WAL byte/fsync/rotation instrumentation. Defaults to
	// a private, unregistered Metrics if left nil.
	Metrics *metrics.Metrics
}

// WAL owns the single active segment file for one branch and serializes
// every append through appendMu, matching the "single writer thread per
// branch" contract in spec.md §5.
type WAL struct {
	opts Options

	appendMu sync.Mutex
	current  *segment
	closed   bool

	tickerStop chan struct{}
	tickerDone chan struct{}

	lastSync time.Time
}

// Open opens (or creates) the branch's WAL directory and resumes appending
// to the newest existing segment, or creates the first one.
func Open(opts Options) (*WAL, error) {
	if opts.MaxSegmentBytes <= 0 {
		opts.MaxSegmentBytes = 64 * 1024 * 1024
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, types.IO(err, "create wal directory")
	}

	segs, err := ListSegmentFiles(opts.Dir)
	if err != nil {
		return nil, err
	}

	w := &WAL{opts: opts, lastSync: time.Now()}

	if len(segs) == 0 {
		cur, err := createSegment(segmentPath(opts.Dir, 1), SegmentHeader{
			FormatVersion: codec.CurrentFormatVersion,
			DatabaseUUID:  opts.DatabaseUUID,
			BranchID:      opts.BranchID,
			FirstTxnID:    1,
		})
		if err != nil {
			return nil, err
		}
		w.current = cur
	} else {
		last := segs[len(segs)-1]
		f, err := os.OpenFile(last.Path, os.O_RDWR, 0o644)
		if err != nil {
			return nil, types.IO(err, "open active wal segment")
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, types.IO(err, "stat active wal segment")
		}
		w.current = &segment{path: last.Path, file: f, header: last.Header, size: info.Size()}
		if _, err := f.Seek(0, os.SEEK_END); err != nil {
			f.Close()
			return nil, types.IO(err, "seek active wal segment")
		}
	}

	if opts.Policy.Mode == durability.Buffered {
		w.startBufferedTicker()
	}
	return w, nil
}

func segmentPath(dir string, firstTxnID uint64) string {
	return filepath.Join(dir, segmentFilePrefix+strconv.FormatUint(firstTxnID, 10)+segmentFileSuffix)
}

// Append encodes and writes one record, honoring the configured durability
// mode. Ephemeral policy callers should not call Append at all (spec.md
// §4.4: "no WAL writes"); the branch layer enforces that.
func (w *WAL) Append(r Record) error {
	payload := EncodePayload(r)
	frame := EncodeFrame(payload)

	w.appendMu.Lock()
	defer w.appendMu.Unlock()
	if w.closed {
		return types.IO(nil, "wal is closed")
	}

	hasRecords := w.current.size > segmentHeaderSize
	if hasRecords && w.current.size+int64(len(frame)) > w.opts.MaxSegmentBytes {
		if err := w.rotateLocked(r.TxnID); err != nil {
			return err
		}
	}

	if err := w.current.appendFrame(frame); err != nil {
		return err
	}
	w.opts.Metrics.WALBytesWritten.Add(float64(len(frame)))

	switch w.opts.Policy.Mode {
	case durability.Strict:
		if err := w.current.sync(); err != nil {
			return err
		}
		w.opts.Metrics.WALFsyncsTotal.Inc()
		w.lastSync = time.Now()
	case durability.Buffered:
		if w.current.unsynced >= w.opts.Policy.BytesThreshold {
			if err := w.current.sync(); err != nil {
				return err
			}
			w.opts.Metrics.WALFsyncsTotal.Inc()
			w.lastSync = time.Now()
		}
	case durability.Ephemeral:
		// never reached in practice; no sync performed either way.
	}
	return nil
}

// rotateLocked seals the current segment and opens a new one starting at
// nextFirstTxnID. Must be called with appendMu held.
func (w *WAL) rotateLocked(nextFirstTxnID uint64) error {
	if err := w.current.seal(); err != nil {
		return types.IO(err, "seal wal segment during rotation")
	}
	next, err := createSegment(segmentPath(w.opts.Dir, nextFirstTxnID), SegmentHeader{
		FormatVersion: codec.CurrentFormatVersion,
		DatabaseUUID:  w.opts.DatabaseUUID,
		BranchID:      w.opts.BranchID,
		FirstTxnID:    nextFirstTxnID,
	})
	if err != nil {
		return err
	}
	w.current = next
	w.opts.Metrics.WALRotations.Inc()
	return nil
}

// Flush forces an fsync of the active segment regardless of durability
// mode, used by the control surface's `flush` command and by a durability
// mode switch (spec.md §4.8: "switching modes flushes the current WAL").
func (w *WAL) Flush() error {
	w.appendMu.Lock()
	defer w.appendMu.Unlock()
	if w.closed {
		return nil
	}
	if err := w.current.sync(); err != nil {
		return err
	}
	w.opts.Metrics.WALFsyncsTotal.Inc()
	w.lastSync = time.Now()
	return nil
}

// SetPolicy swaps the durability policy, flushing first.
func (w *WAL) SetPolicy(p durability.Policy) error {
	if err := w.Flush(); err != nil {
		return err
	}
	w.appendMu.Lock()
	wasBuffered := w.opts.Policy.Mode == durability.Buffered
	w.opts.Policy = p
	nowBuffered := p.Mode == durability.Buffered
	w.appendMu.Unlock()

	if wasBuffered && !nowBuffered {
		w.stopBufferedTicker()
	} else if !wasBuffered && nowBuffered {
		w.startBufferedTicker()
	}
	return nil
}

// startBufferedTicker launches the background fsync timer required by
// Buffered mode so "the promised loss bound must not depend on continued
// writes" (spec.md §4.4).
func (w *WAL) startBufferedTicker() {
	w.tickerStop = make(chan struct{})
	w.tickerDone = make(chan struct{})
	interval := w.opts.Policy.Interval
	if interval <= 0 {
		interval = durability.DefaultBufferedInterval
	}
	go func() {
		defer close(w.tickerDone)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-w.tickerStop:
				return
			case <-t.C:
				w.appendMu.Lock()
				pending := !w.closed && w.current != nil && w.current.unsynced > 0
				stale := time.Since(w.lastSync) >= interval
				if pending && stale {
					if err := w.current.sync(); err != nil {
						w.opts.Logger.Error().Err(err).Str("segment", w.current.path).Msg("buffered wal fsync tick failed")
					} else {
						w.opts.Metrics.WALFsyncsTotal.Inc()
						w.lastSync = time.Now()
					}
				}
				w.appendMu.Unlock()
			}
		}
	}()
}

func (w *WAL) stopBufferedTicker() {
	if w.tickerStop == nil {
		return
	}
	close(w.tickerStop)
	<-w.tickerDone
	w.tickerStop, w.tickerDone = nil, nil
}

// Close flushes and closes the active segment, stopping any background
// ticker.
func (w *WAL) Close() error {
	w.stopBufferedTicker()
	w.appendMu.Lock()
	defer w.appendMu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.current.sync(); err != nil {
		w.current.close()
		return err
	}
	return w.current.close()
}

// SegmentFile describes one discovered segment on disk.
type SegmentFile struct {
	Path   string
	Header SegmentHeader
}

// ListSegmentFiles scans dir for segment files, validates each header, and
// returns them sorted by first_txn_id ascending (spec.md §4.4: "iterates
// segments in first_txn_id order").
func ListSegmentFiles(dir string) ([]SegmentFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, types.IO(err, "list wal segments")
	}

	var out []SegmentFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), segmentFilePrefix) || !strings.HasSuffix(e.Name(), segmentFileSuffix) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		f, err := os.Open(path)
		if err != nil {
			return nil, types.IO(err, "open wal segment "+path)
		}
		buf := make([]byte, segmentHeaderSize)
		_, err = f.Read(buf)
		f.Close()
		if err != nil {
			return nil, newCorruption(CorruptionHeaderBad, path, 0, err)
		}
		h, err := decodeSegmentHeader(path, buf)
		if err != nil {
			return nil, err
		}
		out = append(out, SegmentFile{Path: path, Header: h})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Header.FirstTxnID < out[j].Header.FirstTxnID })
	return out, nil
}
