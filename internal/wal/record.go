// internal/wal/record.go
//
// Record is the WAL transaction record (spec.md §3, §4.4): one committed
// transaction's write-set, CAS-set and read-set fingerprints, stamped with
// its commit version. The bit-level record framing (magic, format_version,
// record_length, payload, crc32) is stable; changing it is a
// format-breaking change coordinated with the snapshot codec.
package wal

import (
	"encoding/binary"
	"hash/crc32"

	"stratadb/internal/codec"
	"stratadb/internal/kkey"
	"stratadb/internal/types"
)

// recordMagic identifies a WAL record. Fixed ASCII "STRA".
var recordMagic = [4]byte{'S', 'T', 'R', 'A'}

// WriteEntry is one write-set member: a kernel key and the StoredValue
// committed at it.
type WriteEntry struct {
	Key   kkey.Key
	Value types.StoredValue
}

// CASEntry is one CAS-set member: a key and the version the transaction
// required at read time (absent/tombstoned is represented by HasExpected=false).
type CASEntry struct {
	Key      kkey.Key
	Expected types.Version
	HasExpected bool
}

// ReadFingerprint is one read-set member recorded for audit (spec.md §3:
// "recovery trusts the commit record and skips re-validation, but the
// fingerprints support audit"). HasObserved is false when nothing was
// visible for the key at the transaction's snapshot; a tombstone is
// recorded with HasObserved=true and its version.
type ReadFingerprint struct {
	Key         kkey.Key
	Observed    types.Version
	HasObserved bool
}

// Record is one WAL transaction record.
type Record struct {
	TxnID         uint64
	CommitVersion types.Version
	BranchID      uint64
	TSMicros      uint64
	Writes        []WriteEntry
	CASSet        []CASEntry
	ReadSet       []ReadFingerprint
}

// EncodePayload serializes the record body (everything the record's crc32
// covers alongside format_version and record_length, per spec.md §4.4).
func EncodePayload(r Record) []byte {
	var buf []byte
	buf = putUvarint(buf, r.TxnID)
	buf = codec.EncodeVersion(buf, r.CommitVersion)
	buf = putUvarint(buf, r.BranchID)
	buf = putUvarint(buf, r.TSMicros)

	buf = putUvarint(buf, uint64(len(r.Writes)))
	for _, w := range r.Writes {
		buf = putLenPrefixed(buf, w.Key.Encode())
		buf = codec.EncodeStoredValue(buf, w.Value)
	}

	buf = putUvarint(buf, uint64(len(r.CASSet)))
	for _, c := range r.CASSet {
		buf = putLenPrefixed(buf, c.Key.Encode())
		if c.HasExpected {
			buf = append(buf, 1)
			buf = codec.EncodeVersion(buf, c.Expected)
		} else {
			buf = append(buf, 0)
		}
	}

	buf = putUvarint(buf, uint64(len(r.ReadSet)))
	for _, rs := range r.ReadSet {
		buf = putLenPrefixed(buf, rs.Key.Encode())
		if rs.HasObserved {
			buf = append(buf, 1)
			buf = codec.EncodeVersion(buf, rs.Observed)
		} else {
			buf = append(buf, 0)
		}
	}
	return buf
}

// DecodePayload deserializes a record body produced by EncodePayload.
func DecodePayload(buf []byte) (Record, error) {
	var r Record
	off := 0

	txnID, n, err := getUvarint(buf[off:])
	if err != nil {
		return Record{}, err
	}
	r.TxnID = txnID
	off += n

	ver, n, err := codec.DecodeVersion(buf[off:])
	if err != nil {
		return Record{}, err
	}
	r.CommitVersion = ver
	off += n

	branchID, n, err := getUvarint(buf[off:])
	if err != nil {
		return Record{}, err
	}
	r.BranchID = branchID
	off += n

	ts, n, err := getUvarint(buf[off:])
	if err != nil {
		return Record{}, err
	}
	r.TSMicros = ts
	off += n

	writeCount, n, err := getUvarint(buf[off:])
	if err != nil {
		return Record{}, err
	}
	off += n
	r.Writes = make([]WriteEntry, 0, writeCount)
	for i := uint64(0); i < writeCount; i++ {
		kb, n, err := getLenPrefixed(buf[off:])
		if err != nil {
			return Record{}, err
		}
		off += n
		k, ok := kkey.Decode(kb)
		if !ok {
			return Record{}, types.Serialization(nil, "wal record: malformed key in write-set")
		}
		sv, n, err := codec.DecodeStoredValue(buf[off:])
		if err != nil {
			return Record{}, err
		}
		off += n
		r.Writes = append(r.Writes, WriteEntry{Key: k, Value: sv})
	}

	casCount, n, err := getUvarint(buf[off:])
	if err != nil {
		return Record{}, err
	}
	off += n
	r.CASSet = make([]CASEntry, 0, casCount)
	for i := uint64(0); i < casCount; i++ {
		kb, n, err := getLenPrefixed(buf[off:])
		if err != nil {
			return Record{}, err
		}
		off += n
		k, ok := kkey.Decode(kb)
		if !ok {
			return Record{}, types.Serialization(nil, "wal record: malformed key in cas-set")
		}
		if off >= len(buf) {
			return Record{}, types.Serialization(nil, "wal record: truncated cas-set flag")
		}
		hasExpected := buf[off] != 0
		off++
		var expected types.Version
		if hasExpected {
			expected, n, err = codec.DecodeVersion(buf[off:])
			if err != nil {
				return Record{}, err
			}
			off += n
		}
		r.CASSet = append(r.CASSet, CASEntry{Key: k, Expected: expected, HasExpected: hasExpected})
	}

	readCount, n, err := getUvarint(buf[off:])
	if err != nil {
		return Record{}, err
	}
	off += n
	r.ReadSet = make([]ReadFingerprint, 0, readCount)
	for i := uint64(0); i < readCount; i++ {
		kb, n, err := getLenPrefixed(buf[off:])
		if err != nil {
			return Record{}, err
		}
		off += n
		k, ok := kkey.Decode(kb)
		if !ok {
			return Record{}, types.Serialization(nil, "wal record: malformed key in read-set")
		}
		if off >= len(buf) {
			return Record{}, types.Serialization(nil, "wal record: truncated read-set flag")
		}
		hasObserved := buf[off] != 0
		off++
		var observed types.Version
		if hasObserved {
			observed, n, err = codec.DecodeVersion(buf[off:])
			if err != nil {
				return Record{}, err
			}
			off += n
		}
		r.ReadSet = append(r.ReadSet, ReadFingerprint{Key: k, Observed: observed, HasObserved: hasObserved})
	}

	return r, nil
}

// EncodeFrame produces the complete on-disk frame for payload: magic,
// format_version, record_length, payload, crc32.
func EncodeFrame(payload []byte) []byte {
	frame := make([]byte, 0, 4+2+4+len(payload)+4)
	frame = append(frame, recordMagic[:]...)

	var versionAndLen [6]byte
	binary.LittleEndian.PutUint16(versionAndLen[0:2], codec.CurrentFormatVersion)
	binary.LittleEndian.PutUint32(versionAndLen[2:6], uint32(len(payload)))
	frame = append(frame, versionAndLen[:]...)
	frame = append(frame, payload...)

	crc := crc32.ChecksumIEEE(frame[4:])
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	frame = append(frame, crcBuf[:]...)
	return frame
}

func putUvarint(dst []byte, v uint64) []byte {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	return append(dst, buf[:n]...)
}

func getUvarint(buf []byte) (uint64, int, error) {
	v, n := binary.Uvarint(buf)
	if n <= 0 {
		return 0, 0, types.Serialization(nil, "wal record: malformed varint")
	}
	return v, n, nil
}

func putLenPrefixed(dst []byte, b []byte) []byte {
	dst = putUvarint(dst, uint64(len(b)))
	return append(dst, b...)
}

func getLenPrefixed(buf []byte) ([]byte, int, error) {
	n, off, err := getUvarint(buf)
	if err != nil {
		return nil, 0, err
	}
	if off+int(n) > len(buf) {
		return nil, 0, types.Serialization(nil, "wal record: truncated length-prefixed field")
	}
	return buf[off : off+int(n)], off + int(n), nil
}
