// internal/kkey/key_test.go
package kkey

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	k := New(1, 2, TagKV, []byte("hello"))
	enc := k.Encode()
	got, ok := Decode(enc)
	if !ok {
		t.Fatal("decode failed")
	}
	if got.BranchID != k.BranchID || got.SpaceID != k.SpaceID || got.Tag != k.Tag {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, k)
	}
	if string(got.UserKey) != string(k.UserKey) {
		t.Fatalf("user key mismatch: %q vs %q", got.UserKey, k.UserKey)
	}
}

func TestCompareOrdersByBranchThenSpaceThenTagThenKey(t *testing.T) {
	a := New(1, 0, TagKV, []byte("a"))
	b := New(2, 0, TagKV, []byte("a"))
	if Compare(a, b) >= 0 {
		t.Error("branch 1 should sort before branch 2")
	}

	c := New(1, 0, TagKV, []byte("a"))
	d := New(1, 0, TagKV, []byte("b"))
	if Compare(c, d) >= 0 {
		t.Error("user key 'a' should sort before 'b' within the same scope")
	}

	e := New(1, 0, TagKV, []byte("z"))
	f := New(1, 1, TagKV, []byte("a"))
	if Compare(e, f) >= 0 {
		t.Error("space 0 should sort before space 1 regardless of user key")
	}
}

func TestHasPrefix(t *testing.T) {
	k := New(1, 0, TagKV, []byte("users/42"))
	if !k.HasPrefix(1, 0, TagKV, []byte("users/")) {
		t.Error("expected prefix match")
	}
	if k.HasPrefix(1, 0, TagKV, []byte("groups/")) {
		t.Error("unexpected prefix match")
	}
	if k.HasPrefix(1, 0, TagEvent, []byte("users/")) {
		t.Error("tag mismatch should not match")
	}
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	if _, ok := Decode([]byte{1, 2, 3}); ok {
		t.Error("expected decode to fail on a too-short buffer")
	}
}
