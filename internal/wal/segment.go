// internal/wal/segment.go
//
// Segment header framing per spec.md §6. Grounded on the teacher's WAL
// header pattern (pkg/wal/wal.go: fixed-size binary header, its own CRC) but
// restructured to the kernel's record-log format instead of the teacher's
// page-frame format.
package wal

import (
	"encoding/binary"
	"hash/crc32"
	"os"

	"github.com/google/uuid"
	"stratadb/internal/codec"
	"stratadb/internal/types"
)

// segmentMagic identifies a WAL segment file. Fixed ASCII "STRATAWL".
var segmentMagic = [8]byte{'S', 'T', 'R', 'A', 'T', 'A', 'W', 'L'}

// segmentHeaderSize is the on-disk size of the header: magic(8) +
// format_version(2) + database_uuid(16) + branch_id(8) + first_txn_id(8) +
// reserved(22) + header_crc(4).
const segmentHeaderSize = 8 + 2 + 16 + 8 + 8 + 22 + 4

// SegmentHeader is the decoded form of a segment's fixed header.
type SegmentHeader struct {
	FormatVersion uint16
	DatabaseUUID  uuid.UUID
	BranchID      uint64
	FirstTxnID    uint64
}

// encodeSegmentHeader renders h to its on-disk form, including header_crc.
func encodeSegmentHeader(h SegmentHeader) []byte {
	buf := make([]byte, segmentHeaderSize)
	copy(buf[0:8], segmentMagic[:])
	binary.LittleEndian.PutUint16(buf[8:10], h.FormatVersion)
	copy(buf[10:26], h.DatabaseUUID[:])
	binary.LittleEndian.PutUint64(buf[26:34], h.BranchID)
	binary.LittleEndian.PutUint64(buf[34:42], h.FirstTxnID)
	// buf[42:64] reserved, left zero
	crc := crc32.ChecksumIEEE(buf[:64])
	binary.LittleEndian.PutUint32(buf[64:68], crc)
	return buf
}

// CorruptionKind distinguishes the failure classes spec.md §4.4/§7 require
// recovery to report separately.
type CorruptionKind uint8

const (
	// CorruptionHeaderBad means the segment header's own CRC did not
	// validate, or its magic/format_version was unrecognized.
	CorruptionHeaderBad CorruptionKind = iota
	// CorruptionRecordCRC means a record's crc32 did not match mid-segment
	// (not at EOF, where it is expected tail truncation instead).
	CorruptionRecordCRC
	// CorruptionPayloadInvalid means a record's CRC matched but its
	// payload failed to decode structurally.
	CorruptionPayloadInvalid
	// CorruptionIO means the underlying filesystem call failed outright.
	CorruptionIO
)

func (k CorruptionKind) String() string {
	switch k {
	case CorruptionHeaderBad:
		return "segment header bad"
	case CorruptionRecordCRC:
		return "record crc bad"
	case CorruptionPayloadInvalid:
		return "payload structurally invalid"
	case CorruptionIO:
		return "i/o error"
	default:
		return "unknown corruption"
	}
}

// CorruptionError carries enough detail for an operator to locate the bad
// byte range (spec.md §4.4: "each carries the segment path and byte
// offset").
type CorruptionError struct {
	Kind   CorruptionKind
	Path   string
	Offset int64
	cause  error
}

func (e *CorruptionError) Error() string {
	msg := e.Kind.String() + " in " + e.Path
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *CorruptionError) Unwrap() error { return e.cause }

func newCorruption(kind CorruptionKind, path string, offset int64, cause error) *CorruptionError {
	return &CorruptionError{Kind: kind, Path: path, Offset: offset, cause: cause}
}

// decodeSegmentHeader validates and parses a segment header read from disk.
func decodeSegmentHeader(path string, buf []byte) (SegmentHeader, error) {
	if len(buf) < segmentHeaderSize {
		return SegmentHeader{}, newCorruption(CorruptionHeaderBad, path, 0, types.IO(nil, "short read of segment header"))
	}
	if string(buf[0:8]) != string(segmentMagic[:]) {
		return SegmentHeader{}, newCorruption(CorruptionHeaderBad, path, 0, types.Serialization(nil, "bad segment magic"))
	}
	wantCRC := binary.LittleEndian.Uint32(buf[64:68])
	gotCRC := crc32.ChecksumIEEE(buf[:64])
	if wantCRC != gotCRC {
		return SegmentHeader{}, newCorruption(CorruptionHeaderBad, path, 0, types.Serialization(nil, "segment header crc mismatch"))
	}
	formatVersion := binary.LittleEndian.Uint16(buf[8:10])
	if formatVersion > codec.CurrentFormatVersion {
		return SegmentHeader{}, newCorruption(CorruptionHeaderBad, path, 0,
			types.Newf(types.KindSerialization, "segment format_version %d newer than supported %d", formatVersion, codec.CurrentFormatVersion))
	}
	var h SegmentHeader
	h.FormatVersion = formatVersion
	copy(h.DatabaseUUID[:], buf[10:26])
	h.BranchID = binary.LittleEndian.Uint64(buf[26:34])
	h.FirstTxnID = binary.LittleEndian.Uint64(buf[34:42])
	return h, nil
}

// segment wraps one open WAL segment file: an append-only writer, tracking
// bytes written (for rotation) and bytes unsynced (for Buffered mode).
type segment struct {
	path     string
	file     *os.File
	header   SegmentHeader
	size     int64 // bytes written including header
	unsynced int64
}

// createSegment creates a new segment file with the given header, writes
// and fsyncs the header.
func createSegment(path string, h SegmentHeader) (*segment, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, types.IO(err, "create wal segment")
	}
	hdr := encodeSegmentHeader(h)
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		return nil, types.IO(err, "write wal segment header")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, types.IO(err, "fsync wal segment header")
	}
	return &segment{path: path, file: f, header: h, size: int64(len(hdr))}, nil
}

// appendFrame writes an already-encoded record frame to the segment.
func (s *segment) appendFrame(frame []byte) error {
	if _, err := s.file.Write(frame); err != nil {
		return types.IO(err, "append wal record")
	}
	s.size += int64(len(frame))
	s.unsynced += int64(len(frame))
	return nil
}

// sync fsyncs the segment file and resets the unsynced counter.
func (s *segment) sync() error {
	if err := s.file.Sync(); err != nil {
		return types.IO(err, "fsync wal segment")
	}
	s.unsynced = 0
	return nil
}

// seal fsyncs and closes the segment. Sealing is purely behavioral in this
// layout: a segment is sealed once the WAL manager stops writing to it and
// opens the next one; no on-disk sealed flag is required because recovery
// determines segment ordering from first_txn_id, and the only segment that
// can have a truncatable partial tail is whichever one recovery finds last.
func (s *segment) seal() error {
	if err := s.sync(); err != nil {
		return err
	}
	return s.file.Close()
}

func (s *segment) close() error {
	return s.file.Close()
}
