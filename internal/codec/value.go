// Package codec implements the binary encoding for Value, Version and
// StoredValue shared by the write-ahead log and the snapshot writer. Both
// subsystems must agree on one wire format (spec.md §3: "changing the key
// encoding is a format-breaking change" applies equally to the value
// encoding, since WAL records and snapshot sections are replayed into the
// same sharded store). Encoding is little-endian throughout, matching the
// rest of the on-disk layout.
//
// Grounded on the teacher's pkg/record encoding conventions (length-prefixed
// variable fields, fixed-width numeric fields) adapted from SQLite-row
// records to the kernel's closed Value sum.
package codec

import (
	"encoding/binary"

	"stratadb/internal/types"
)

// CurrentFormatVersion is embedded in every WAL segment header and WAL record frame;
// bumping it is a coordinated, format-breaking change across WAL, snapshot,
// and this codec (spec.md §3, §4.4).
const CurrentFormatVersion uint16 = 1

// EncodeValue appends the wire form of v to dst and returns the result.
func EncodeValue(dst []byte, v types.Value) []byte {
	dst = append(dst, byte(v.Kind()))
	switch v.Kind() {
	case types.KindNull:
		// no payload
	case types.KindBool:
		if v.AsBool() {
			dst = append(dst, 1)
		} else {
			dst = append(dst, 0)
		}
	case types.KindInt:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(v.AsInt()))
		dst = append(dst, buf[:]...)
	case types.KindFloat:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], v.FloatBits())
		dst = append(dst, buf[:]...)
	case types.KindString:
		dst = appendBytes(dst, []byte(v.AsString()))
	case types.KindBytes:
		dst = appendBytes(dst, v.AsBytes())
	case types.KindArray:
		arr := v.AsArray()
		dst = appendUvarint(dst, uint64(len(arr)))
		for _, e := range arr {
			dst = EncodeValue(dst, e)
		}
	case types.KindObject:
		obj := v.AsObject()
		dst = appendUvarint(dst, uint64(len(obj)))
		for _, e := range obj {
			dst = appendBytes(dst, []byte(e.Key))
			dst = EncodeValue(dst, e.Value)
		}
	}
	return dst
}

// DecodeValue reads one Value from buf, returning the value and the number
// of bytes consumed.
func DecodeValue(buf []byte) (types.Value, int, error) {
	if len(buf) < 1 {
		return types.Value{}, 0, types.Serialization(nil, "value: empty buffer")
	}
	kind := types.Kind(buf[0])
	off := 1
	switch kind {
	case types.KindNull:
		return types.Null(), off, nil
	case types.KindBool:
		if off >= len(buf) {
			return types.Value{}, 0, types.Serialization(nil, "value: truncated bool")
		}
		return types.Bool(buf[off] != 0), off + 1, nil
	case types.KindInt:
		if off+8 > len(buf) {
			return types.Value{}, 0, types.Serialization(nil, "value: truncated int")
		}
		n := int64(binary.LittleEndian.Uint64(buf[off : off+8]))
		return types.Int(n), off + 8, nil
	case types.KindFloat:
		if off+8 > len(buf) {
			return types.Value{}, 0, types.Serialization(nil, "value: truncated float")
		}
		bits := binary.LittleEndian.Uint64(buf[off : off+8])
		return types.FloatBits(bits), off + 8, nil
	case types.KindString:
		b, n, err := readBytes(buf[off:])
		if err != nil {
			return types.Value{}, 0, err
		}
		return types.String(string(b)), off + n, nil
	case types.KindBytes:
		b, n, err := readBytes(buf[off:])
		if err != nil {
			return types.Value{}, 0, err
		}
		return types.Bytes(b), off + n, nil
	case types.KindArray:
		count, n, err := readUvarint(buf[off:])
		if err != nil {
			return types.Value{}, 0, err
		}
		off += n
		elems := make([]types.Value, 0, count)
		for i := uint64(0); i < count; i++ {
			e, n, err := DecodeValue(buf[off:])
			if err != nil {
				return types.Value{}, 0, err
			}
			elems = append(elems, e)
			off += n
		}
		return types.NewArray(elems), off, nil
	case types.KindObject:
		count, n, err := readUvarint(buf[off:])
		if err != nil {
			return types.Value{}, 0, err
		}
		off += n
		entries := make([]types.ObjectEntry, 0, count)
		for i := uint64(0); i < count; i++ {
			k, n, err := readBytes(buf[off:])
			if err != nil {
				return types.Value{}, 0, err
			}
			off += n
			v, n, err := DecodeValue(buf[off:])
			if err != nil {
				return types.Value{}, 0, err
			}
			off += n
			entries = append(entries, types.ObjectEntry{Key: string(k), Value: v})
		}
		return types.NewObject(entries), off, nil
	default:
		return types.Value{}, 0, types.Serialization(nil, "value: unknown kind byte")
	}
}

func appendBytes(dst []byte, b []byte) []byte {
	dst = appendUvarint(dst, uint64(len(b)))
	return append(dst, b...)
}

func readBytes(buf []byte) ([]byte, int, error) {
	n, off, err := readUvarint(buf)
	if err != nil {
		return nil, 0, err
	}
	if off+int(n) > len(buf) {
		return nil, 0, types.Serialization(nil, "value: truncated length-prefixed field")
	}
	return buf[off : off+int(n)], off + int(n), nil
}

func appendUvarint(dst []byte, v uint64) []byte {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	return append(dst, buf[:n]...)
}

func readUvarint(buf []byte) (uint64, int, error) {
	v, n := binary.Uvarint(buf)
	if n <= 0 {
		return 0, 0, types.Serialization(nil, "value: malformed varint")
	}
	return v, n, nil
}

// EncodeVersion appends the wire form of a Version to dst.
func EncodeVersion(dst []byte, v types.Version) []byte {
	dst = append(dst, byte(v.Kind()))
	switch v.Kind() {
	case types.VersionHash:
		dst = appendBytes(dst, v.Hash())
	default:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], v.Num())
		dst = append(dst, buf[:]...)
	}
	return dst
}

// DecodeVersion reads one Version from buf, returning it and bytes consumed.
func DecodeVersion(buf []byte) (types.Version, int, error) {
	if len(buf) < 1 {
		return types.Version{}, 0, types.Serialization(nil, "version: empty buffer")
	}
	kind := types.VersionKind(buf[0])
	off := 1
	switch kind {
	case types.VersionHash:
		b, n, err := readBytes(buf[off:])
		if err != nil {
			return types.Version{}, 0, err
		}
		return types.HashVersion(b), off + n, nil
	case types.VersionCounter:
		if off+8 > len(buf) {
			return types.Version{}, 0, types.Serialization(nil, "version: truncated counter")
		}
		n := binary.LittleEndian.Uint64(buf[off : off+8])
		return types.CounterVersion(n), off + 8, nil
	case types.VersionTxn:
		if off+8 > len(buf) {
			return types.Version{}, 0, types.Serialization(nil, "version: truncated txn version")
		}
		n := binary.LittleEndian.Uint64(buf[off : off+8])
		return types.TxnVersion(n), off + 8, nil
	default:
		return types.Version{}, 0, types.Serialization(nil, "version: unknown kind byte")
	}
}

// EncodeStoredValue appends the wire form of sv to dst.
func EncodeStoredValue(dst []byte, sv types.StoredValue) []byte {
	if sv.Tombstone {
		dst = append(dst, 1)
	} else {
		dst = append(dst, 0)
	}
	dst = EncodeVersion(dst, sv.Version)
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], sv.CommitTS)
	binary.LittleEndian.PutUint64(buf[8:16], sv.TxnID)
	dst = append(dst, buf[:]...)
	dst = appendBytes(dst, sv.Metadata)
	if !sv.Tombstone {
		dst = EncodeValue(dst, sv.Value)
	}
	return dst
}

// DecodeStoredValue reads one StoredValue from buf, returning it and bytes
// consumed.
func DecodeStoredValue(buf []byte) (types.StoredValue, int, error) {
	if len(buf) < 1 {
		return types.StoredValue{}, 0, types.Serialization(nil, "stored value: empty buffer")
	}
	tombstone := buf[0] != 0
	off := 1

	ver, n, err := DecodeVersion(buf[off:])
	if err != nil {
		return types.StoredValue{}, 0, err
	}
	off += n

	if off+16 > len(buf) {
		return types.StoredValue{}, 0, types.Serialization(nil, "stored value: truncated timestamps")
	}
	commitTS := binary.LittleEndian.Uint64(buf[off : off+8])
	txnID := binary.LittleEndian.Uint64(buf[off+8 : off+16])
	off += 16

	meta, n, err := readBytes(buf[off:])
	if err != nil {
		return types.StoredValue{}, 0, err
	}
	off += n

	if tombstone {
		sv := types.Deleted(ver, commitTS, txnID)
		return sv, off, nil
	}

	val, n, err := DecodeValue(buf[off:])
	if err != nil {
		return types.StoredValue{}, 0, err
	}
	off += n
	sv := types.Live(val, ver, commitTS, txnID, meta)
	return sv, off, nil
}
