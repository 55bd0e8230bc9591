// internal/snapshot/manifest.go
//
// MANIFEST is the crash-consistent pointer file naming the active snapshot
// (spec.md §4.5, §6). Promotion is write-temp -> fsync -> atomic rename ->
// fsync parent directory, grounded on the teacher's pkg/dbfile header/commit
// discipline (validate-independently-of-other-fields CRC, atomic swap).
package snapshot

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"

	"stratadb/internal/types"
)

var manifestMagic = [8]byte{'S', 'T', 'R', 'A', 'M', 'F', 'S', 'T'}

const manifestFormatVersion uint16 = 1

// ManifestName is the fixed filename of the pointer file at the data
// directory root.
const ManifestName = "MANIFEST"

// Manifest names the currently-active snapshot file and its watermark.
type Manifest struct {
	SnapshotName string
	Watermark    uint64
	CodecID      uint16
	Flags        uint16
}

// Encode renders m to its on-disk form: magic, format_version,
// length-prefixed snapshot_name, watermark, codec_id, flags, crc32 over all
// of the above.
func Encode(m Manifest) []byte {
	var buf []byte
	buf = append(buf, manifestMagic[:]...)

	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], manifestFormatVersion)
	buf = append(buf, u16[:]...)

	nameBytes := []byte(m.SnapshotName)
	var nameLen [4]byte
	binary.LittleEndian.PutUint32(nameLen[:], uint32(len(nameBytes)))
	buf = append(buf, nameLen[:]...)
	buf = append(buf, nameBytes...)

	var watermark [8]byte
	binary.LittleEndian.PutUint64(watermark[:], m.Watermark)
	buf = append(buf, watermark[:]...)

	binary.LittleEndian.PutUint16(u16[:], m.CodecID)
	buf = append(buf, u16[:]...)
	binary.LittleEndian.PutUint16(u16[:], m.Flags)
	buf = append(buf, u16[:]...)

	crc := crc32.ChecksumIEEE(buf)
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	return append(buf, crcBuf[:]...)
}

// Decode parses and independently validates a MANIFEST's CRC (spec.md §6:
// "MANIFEST CRC must be validated independently of any other field on
// read").
func Decode(buf []byte) (Manifest, error) {
	if len(buf) < 8+2+4 {
		return Manifest{}, types.Serialization(nil, "manifest: truncated")
	}
	if string(buf[0:8]) != string(manifestMagic[:]) {
		return Manifest{}, types.Serialization(nil, "manifest: bad magic")
	}
	if len(buf) < 4 {
		return Manifest{}, types.Serialization(nil, "manifest: missing crc")
	}
	body := buf[:len(buf)-4]
	wantCRC := binary.LittleEndian.Uint32(buf[len(buf)-4:])
	gotCRC := crc32.ChecksumIEEE(body)
	if wantCRC != gotCRC {
		return Manifest{}, types.Serialization(nil, "manifest: crc mismatch")
	}

	off := 8
	formatVersion := binary.LittleEndian.Uint16(body[off : off+2])
	off += 2
	if formatVersion > manifestFormatVersion {
		return Manifest{}, types.Newf(types.KindSerialization, "manifest format_version %d newer than supported %d", formatVersion, manifestFormatVersion)
	}
	if off+4 > len(body) {
		return Manifest{}, types.Serialization(nil, "manifest: truncated name length")
	}
	nameLen := binary.LittleEndian.Uint32(body[off : off+4])
	off += 4
	if off+int(nameLen) > len(body) {
		return Manifest{}, types.Serialization(nil, "manifest: truncated name")
	}
	name := string(body[off : off+int(nameLen)])
	off += int(nameLen)

	if off+8+2+2 > len(body) {
		return Manifest{}, types.Serialization(nil, "manifest: truncated tail fields")
	}
	watermark := binary.LittleEndian.Uint64(body[off : off+8])
	off += 8
	codecID := binary.LittleEndian.Uint16(body[off : off+2])
	off += 2
	flags := binary.LittleEndian.Uint16(body[off : off+2])

	return Manifest{SnapshotName: name, Watermark: watermark, CodecID: codecID, Flags: flags}, nil
}

// WriteAtomic persists m to dir/MANIFEST (dir is normally the data root) via
// write-temp -> fsync -> rename -> fsync parent directory.
func WriteAtomic(dir string, m Manifest) error {
	final := filepath.Join(dir, ManifestName)
	tmp := final + ".tmp"

	buf := Encode(m)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return types.IO(err, "create manifest temp file")
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return types.IO(err, "write manifest temp file")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return types.IO(err, "fsync manifest temp file")
	}
	if err := f.Close(); err != nil {
		return types.IO(err, "close manifest temp file")
	}

	if err := os.Rename(tmp, final); err != nil {
		return types.IO(err, "rename manifest into place")
	}

	dirFile, err := os.Open(dir)
	if err != nil {
		return types.IO(err, "open data directory for fsync")
	}
	defer dirFile.Close()
	if err := dirFile.Sync(); err != nil {
		return types.IO(err, "fsync data directory after manifest rename")
	}
	return nil
}

// ReadManifest loads and validates the MANIFEST at <dir>/MANIFEST. A missing
// file is reported distinctly (os.IsNotExist) so first-boot is not mistaken
// for corruption (spec.md §4.6).
func ReadManifest(dir string) (Manifest, error) {
	path := filepath.Join(dir, ManifestName)
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, err
		}
		return Manifest{}, types.IO(err, "read manifest")
	}
	return Decode(buf)
}
