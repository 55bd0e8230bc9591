// internal/kkey/key.go
// Package kkey implements the kernel key: the single composite identity
// (branch_id, space_id, primitive_tag, user_key_bytes) that the sharded
// store, WAL, and snapshot machinery see. All primitive APIs lower to this
// form before touching the store; the encoding is binary-ordered and its
// layout is a format-breaking change to alter (spec.md §3).
package kkey

import (
	"bytes"
	"encoding/binary"
)

// Tag is the one-byte primitive discriminator.
type Tag uint8

const (
	TagSystem Tag = iota // branch/space metadata, self-hosted
	TagKV
	TagEvent
	TagState
	TagJSON
	TagVectorData
	TagVectorMeta
)

func (t Tag) String() string {
	switch t {
	case TagSystem:
		return "system"
	case TagKV:
		return "kv"
	case TagEvent:
		return "event"
	case TagState:
		return "state"
	case TagJSON:
		return "json"
	case TagVectorData:
		return "vector-data"
	case TagVectorMeta:
		return "vector-meta"
	default:
		return "unknown"
	}
}

// encodedPrefixLen is the fixed-width portion: 8 bytes branch_id, 8 bytes
// space_id, 1 byte primitive tag, big-endian so integer order matches byte
// order.
const encodedPrefixLen = 8 + 8 + 1

// Key is the kernel's composite key. It is comparable only through Encode
// or Compare; the zero value is not meaningful on its own.
type Key struct {
	BranchID uint64
	SpaceID  uint64
	Tag      Tag
	UserKey  []byte
}

// New builds a Key, copying UserKey defensively.
func New(branchID, spaceID uint64, tag Tag, userKey []byte) Key {
	return Key{
		BranchID: branchID,
		SpaceID:  spaceID,
		Tag:      tag,
		UserKey:  append([]byte(nil), userKey...),
	}
}

// Encode produces the binary-ordered wire form used as the store's map key
// and as the sort key for range scans.
func (k Key) Encode() []byte {
	buf := make([]byte, encodedPrefixLen+len(k.UserKey))
	binary.BigEndian.PutUint64(buf[0:8], k.BranchID)
	binary.BigEndian.PutUint64(buf[8:16], k.SpaceID)
	buf[16] = byte(k.Tag)
	copy(buf[encodedPrefixLen:], k.UserKey)
	return buf
}

// String returns the encoded form as a Go string, suitable for use as a map
// key without further allocation in hot paths (Go specializes
// string(byteSlice) map lookups).
func (k Key) String() string { return string(k.Encode()) }

// Decode reverses Encode. Returns ok=false if buf is too short to contain a
// valid prefix.
func Decode(buf []byte) (Key, bool) {
	if len(buf) < encodedPrefixLen {
		return Key{}, false
	}
	k := Key{
		BranchID: binary.BigEndian.Uint64(buf[0:8]),
		SpaceID:  binary.BigEndian.Uint64(buf[8:16]),
		Tag:      Tag(buf[16]),
	}
	if len(buf) > encodedPrefixLen {
		k.UserKey = append([]byte(nil), buf[encodedPrefixLen:]...)
	}
	return k, true
}

// Compare orders two keys by their binary encoding. This is the single
// source of truth for key ordering across the store, WAL replay, and
// snapshot sectioning.
func Compare(a, b Key) int {
	return bytes.Compare(a.Encode(), b.Encode())
}

// HasPrefix reports whether k falls under the given (branch, space, tag)
// scope and, if prefix is non-empty, under that user-key prefix too. Used
// by list/scan operations.
func (k Key) HasPrefix(branchID, spaceID uint64, tag Tag, prefix []byte) bool {
	if k.BranchID != branchID || k.SpaceID != spaceID || k.Tag != tag {
		return false
	}
	return bytes.HasPrefix(k.UserKey, prefix)
}
