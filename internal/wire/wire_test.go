package wire

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
	"time"
)

func mustDecode(t *testing.T, b []byte) (string, time.Time, []byte) {
	t.Helper()
	buster, savedAt, p, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	return buster, savedAt, p
}

func TestRoundTrip(t *testing.T) {
	savedAt := time.UnixMilli(time.Now().UnixMilli()) // millisecond precision survives
	cases := []struct {
		buster  string
		payload []byte
	}{
		{"", nil},
		{"v1", []byte("hello")},
		{"app-schema-2024-06", []byte{0, 1, 2, 3, 4}},
	}
	for _, tc := range cases {
		enc := Encode(tc.buster, savedAt, tc.payload)
		buster, got, p := mustDecode(t, enc)
		if buster != tc.buster {
			t.Fatalf("buster mismatch: got %q want %q", buster, tc.buster)
		}
		if !got.Equal(savedAt) {
			t.Fatalf("savedAt mismatch: got %v want %v", got, savedAt)
		}
		if !bytes.Equal(p, tc.payload) {
			t.Fatalf("payload mismatch: got %x want %x", p, tc.payload)
		}
	}
}

func TestRejectsTrailingBytes(t *testing.T) {
	enc := Encode("v1", time.Now(), []byte("x"))
	enc = append(enc, 0xDE, 0xAD) // add junk
	if _, _, _, err := Decode(enc); err == nil {
		t.Fatalf("expected error on trailing bytes")
	}
}

func TestCorruptHeadersAndLengths(t *testing.T) {
	enc := Encode("v1", time.Now(), []byte("abc"))

	// bad magic
	badMagic := append([]byte(nil), enc...)
	badMagic[0] = 'X'
	if _, _, _, err := Decode(badMagic); err == nil {
		t.Fatalf("expected error on bad magic")
	}

	// wrong version
	badVer := append([]byte(nil), enc...)
	badVer[4] = version + 1
	if _, _, _, err := Decode(badVer); err == nil {
		t.Fatalf("expected error on bad version")
	}

	// blen beyond remaining (4 magic +1 ver +8 savedAt = offset 13)
	badBlen := append([]byte(nil), enc...)
	binary.BigEndian.PutUint16(badBlen[13:15], uint16(len(badBlen)))
	if _, _, _, err := Decode(badBlen); err == nil {
		t.Fatalf("expected error on blen beyond buffer")
	}

	// plen beyond remaining (follows the 2-byte buster "v1")
	badPlen := append([]byte(nil), enc...)
	plenOff := 13 + 2 + len("v1")
	binary.BigEndian.PutUint32(badPlen[plenOff:plenOff+4], uint32(len("abc")+1))
	if _, _, _, err := Decode(badPlen); err == nil {
		t.Fatalf("expected error on plen beyond buffer")
	}

	// truncated buffer
	trunc := enc[:len(enc)-1]
	if _, _, _, err := Decode(trunc); err == nil {
		t.Fatalf("expected error on truncated buffer")
	}

	// too short for any header
	if _, _, _, err := Decode([]byte{'Q', 'C'}); err == nil {
		t.Fatalf("expected error on tiny buffer")
	}
}

func TestBusterLengthBoundary(t *testing.T) {
	// boundary (65535) -> ok
	long := strings.Repeat("b", 0xFFFF)
	enc := Encode(long, time.Now(), nil)
	buster, _, _ := mustDecode(t, enc)
	if buster != long {
		t.Fatalf("boundary buster did not round trip")
	}

	// over the boundary -> panic at encode
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on oversized buster")
		}
	}()
	Encode(strings.Repeat("a", 0x10000), time.Now(), nil)
}

func TestZeroCopyPayload(t *testing.T) {
	enc := Encode("v1", time.Now(), []byte("Z"))
	_, _, p := mustDecode(t, enc)
	if len(p) != 1 {
		t.Fatalf("unexpected payload len")
	}
	// mutate payload slice. should mutate underlying enc bytes (zero-copy)
	p[0] = 'Q'
	_, _, p2 := mustDecode(t, enc)
	if p2[0] != 'Q' {
		t.Fatalf("expected zero-copy slice into enc buffer")
	}
}
