// internal/wal/reader.go
//
// The recovery/reader path described in spec.md §4.4/§4.6: iterate segments
// in first_txn_id order, validate each record's CRC, and treat a CRC
// mismatch or short read at EOF as an expected partial tail (truncate it)
// rather than a fatal error. A CRC mismatch anywhere else in the segment is
// fatal and reported as CorruptionRecordCRC.
package wal

import (
	"encoding/binary"
	"hash/crc32"
	"os"

	"stratadb/internal/codec"
	"stratadb/internal/types"
)

// ReadSegmentRecords reads every well-formed record from the segment at
// path. tailTruncated reports whether a partial/corrupt trailing record was
// found and excluded (the expected shape of a WAL segment that was being
// written when the process stopped).
func ReadSegmentRecords(path string) (records []Record, tailBytesValid int64, tailTruncated bool, err error) {
	f, ferr := os.Open(path)
	if ferr != nil {
		return nil, 0, false, types.IO(ferr, "open wal segment "+path)
	}
	defer f.Close()

	header := make([]byte, segmentHeaderSize)
	if _, ferr := readFull(f, header); ferr != nil {
		return nil, 0, false, newCorruption(CorruptionHeaderBad, path, 0, ferr)
	}
	if _, err := decodeSegmentHeader(path, header); err != nil {
		return nil, 0, false, err
	}

	offset := int64(segmentHeaderSize)
	for {
		frameHeader := make([]byte, 4+2+4)
		n, rerr := readFull(f, frameHeader)
		if rerr != nil || n < len(frameHeader) {
			// Short read at a record boundary: expected EOF, or an
			// incomplete record header left by a crash mid-append.
			return records, offset, n > 0, nil
		}
		if string(frameHeader[0:4]) != string(recordMagic[:]) {
			// Not a valid record start; treat everything from here as an
			// uncommitted partial tail.
			return records, offset, true, nil
		}
		formatVersion := binary.LittleEndian.Uint16(frameHeader[4:6])
		if formatVersion > codec.CurrentFormatVersion {
			return nil, 0, false, newCorruption(CorruptionHeaderBad, path, offset,
				types.Newf(types.KindSerialization, "record format_version %d newer than supported %d", formatVersion, codec.CurrentFormatVersion))
		}
		recordLen := binary.LittleEndian.Uint32(frameHeader[6:10])

		body := make([]byte, int(recordLen)+4)
		n, rerr = readFull(f, body)
		if rerr != nil || n < len(body) {
			// Truncated payload or missing trailing crc32: partial tail.
			return records, offset, true, nil
		}

		payload := body[:recordLen]
		wantCRC := binary.LittleEndian.Uint32(body[recordLen:])
		crcInput := append(append([]byte{}, frameHeader[4:10]...), payload...)
		gotCRC := crc32.ChecksumIEEE(crcInput)
		frameLen := int64(len(frameHeader) + len(body))
		if wantCRC != gotCRC {
			fi, serr := f.Stat()
			if serr != nil {
				return nil, 0, false, newCorruption(CorruptionIO, path, offset, serr)
			}
			if offset+frameLen < fi.Size() {
				// More bytes follow the bad frame: mid-segment corruption.
				return nil, 0, false, newCorruption(CorruptionRecordCRC, path, offset, nil)
			}
			return records, offset, true, nil
		}

		rec, derr := DecodePayload(payload)
		if derr != nil {
			// CRC was good but the structure didn't decode: this is a
			// genuine mid-segment corruption, not an expected tail.
			return nil, 0, false, newCorruption(CorruptionPayloadInvalid, path, offset, derr)
		}

		records = append(records, rec)
		offset += frameLen
	}
}

func readFull(f *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
	}
	return total, nil
}

// TruncateToValidTail truncates the segment file at path to validBytes,
// discarding a detected partial tail record so subsequent appends start
// from a clean, fully-valid boundary (spec.md §4.4: "treats the partial
// tail as uncommitted and truncates it atomically before resuming").
func TruncateToValidTail(path string, validBytes int64) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return types.IO(err, "open wal segment for truncation "+path)
	}
	defer f.Close()
	if err := f.Truncate(validBytes); err != nil {
		return types.IO(err, "truncate wal segment "+path)
	}
	return f.Sync()
}
