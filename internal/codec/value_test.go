package codec

import (
	"math"
	"testing"

	"stratadb/internal/types"
)

func roundTripValue(t *testing.T, v types.Value) types.Value {
	t.Helper()
	enc := EncodeValue(nil, v)
	got, n, err := DecodeValue(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(enc) {
		t.Fatalf("decode consumed %d bytes, want %d", n, len(enc))
	}
	return got
}

func TestValueRoundTrip(t *testing.T) {
	cases := []types.Value{
		types.Null(),
		types.Bool(true),
		types.Bool(false),
		types.Int(math.MaxInt64),
		types.Int(math.MinInt64),
		types.String(""),
		types.String("hello, world"),
		types.Bytes([]byte{0x00, 0xff, 0x10}),
		types.NewArray([]types.Value{types.Int(1), types.String("x"), types.Null()}),
		types.NewObject([]types.ObjectEntry{
			{Key: "b", Value: types.Int(2)},
			{Key: "a", Value: types.Int(1)},
		}),
	}
	for _, v := range cases {
		got := roundTripValue(t, v)
		if !types.Equal(v, got) {
			t.Fatalf("round trip mismatch: %+v != %+v", v, got)
		}
	}
}

func TestValueRoundTripFloatSpecials(t *testing.T) {
	specials := []float64{
		0.0, math.Copysign(0, -1), math.NaN(), math.Inf(1), math.Inf(-1),
		math.MaxFloat64, math.SmallestNonzeroFloat64, 3.14159,
	}
	for _, f := range specials {
		v := types.Float(f)
		got := roundTripValue(t, v)
		if got.FloatBits() != v.FloatBits() {
			t.Fatalf("bit pattern mismatch for %v: %x != %x", f, v.FloatBits(), got.FloatBits())
		}
	}
}

func TestValueRoundTripNestedObjectPreservesOrder(t *testing.T) {
	v := types.NewObject([]types.ObjectEntry{
		{Key: "z", Value: types.Int(1)},
		{Key: "a", Value: types.Int(2)},
		{Key: "m", Value: types.NewArray([]types.Value{types.Bytes([]byte{1, 2, 3})})},
	})
	got := roundTripValue(t, v)
	obj := got.AsObject()
	if len(obj) != 3 || obj[0].Key != "z" || obj[1].Key != "a" || obj[2].Key != "m" {
		t.Fatalf("object key order not preserved: %+v", obj)
	}
}

func TestVersionRoundTrip(t *testing.T) {
	versions := []types.Version{
		types.TxnVersion(0),
		types.TxnVersion(math.MaxInt64),
		types.CounterVersion(42),
		types.HashVersion([]byte{1, 2, 3, 4}),
	}
	for _, ver := range versions {
		enc := EncodeVersion(nil, ver)
		got, n, err := DecodeVersion(enc)
		if err != nil {
			t.Fatalf("decode version: %v", err)
		}
		if n != len(enc) {
			t.Fatalf("decode consumed %d, want %d", n, len(enc))
		}
		if !got.Equal(ver) {
			t.Fatalf("version mismatch: %+v != %+v", ver, got)
		}
	}
}

func TestStoredValueRoundTripLiveAndTombstone(t *testing.T) {
	live := types.Live(types.String("payload"), types.TxnVersion(7), 1234, 9, []byte("meta"))
	enc := EncodeStoredValue(nil, live)
	got, n, err := DecodeStoredValue(enc)
	if err != nil {
		t.Fatalf("decode live: %v", err)
	}
	if n != len(enc) {
		t.Fatalf("decode consumed %d, want %d", n, len(enc))
	}
	if got.Tombstone {
		t.Fatalf("expected live value, got tombstone")
	}
	if !types.Equal(got.Value, live.Value) || !got.Version.Equal(live.Version) {
		t.Fatalf("live value mismatch: %+v != %+v", got, live)
	}

	tomb := types.Deleted(types.TxnVersion(8), 5678, 10)
	enc = EncodeStoredValue(nil, tomb)
	got, _, err = DecodeStoredValue(enc)
	if err != nil {
		t.Fatalf("decode tombstone: %v", err)
	}
	if !got.Tombstone {
		t.Fatalf("expected tombstone to round trip as tombstone")
	}
	if got.CommitTS != tomb.CommitTS || got.TxnID != tomb.TxnID {
		t.Fatalf("tombstone metadata mismatch: %+v != %+v", got, tomb)
	}
}

func TestDecodeValueRejectsTruncatedBuffers(t *testing.T) {
	full := EncodeValue(nil, types.String("some text"))
	for i := 0; i < len(full); i++ {
		if _, _, err := DecodeValue(full[:i]); err == nil {
			t.Fatalf("expected decode to reject truncated buffer of length %d", i)
		}
	}
}
