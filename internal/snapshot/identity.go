// internal/snapshot/identity.go
//
// IDENTITY stamps a data directory with the database UUID generated the
// first time it is opened, so every WAL segment and snapshot written into it
// afterward can be cross-checked against the same value on recovery (spec.md
// §6: segments and snapshots carry a database UUID "to detect... files from
// a different database instance"). Grounded on the same write-temp -> fsync
// -> rename -> fsync-parent discipline as MANIFEST.
package snapshot

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"stratadb/internal/types"
)

var identityMagic = [8]byte{'S', 'T', 'R', 'A', 'I', 'D', 'N', 'T'}

// IdentityName is the fixed filename of the database-identity file at the
// data directory root.
const IdentityName = "IDENTITY"

// ReadIdentity loads the database UUID stamped into dir/IDENTITY. A missing
// file is reported via os.IsNotExist so the caller can tell first-boot apart
// from corruption.
func ReadIdentity(dir string) (uuid.UUID, error) {
	buf, err := os.ReadFile(filepath.Join(dir, IdentityName))
	if err != nil {
		return uuid.UUID{}, err
	}
	if len(buf) != 8+16+4 {
		return uuid.UUID{}, types.Serialization(nil, "identity: truncated file")
	}
	if string(buf[0:8]) != string(identityMagic[:]) {
		return uuid.UUID{}, types.Serialization(nil, "identity: bad magic")
	}
	body := buf[:8+16]
	wantCRC := binary.LittleEndian.Uint32(buf[8+16:])
	if crc32.ChecksumIEEE(body) != wantCRC {
		return uuid.UUID{}, types.Serialization(nil, "identity: crc mismatch")
	}
	var id uuid.UUID
	copy(id[:], buf[8:24])
	return id, nil
}

// WriteIdentity atomically stamps id into dir/IDENTITY. Called exactly once,
// the first time a data directory is opened.
func WriteIdentity(dir string, id uuid.UUID) error {
	final := filepath.Join(dir, IdentityName)
	tmp := final + ".tmp"

	var buf []byte
	buf = append(buf, identityMagic[:]...)
	buf = append(buf, id[:]...)
	crc := crc32.ChecksumIEEE(buf)
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	buf = append(buf, crcBuf[:]...)

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return types.IO(err, "create identity temp file")
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return types.IO(err, "write identity temp file")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return types.IO(err, "fsync identity temp file")
	}
	if err := f.Close(); err != nil {
		return types.IO(err, "close identity temp file")
	}
	if err := os.Rename(tmp, final); err != nil {
		return types.IO(err, "rename identity into place")
	}

	dirFile, err := os.Open(dir)
	if err != nil {
		return types.IO(err, "open data directory for fsync")
	}
	defer dirFile.Close()
	if err := dirFile.Sync(); err != nil {
		return types.IO(err, "fsync data directory after identity write")
	}
	return nil
}
