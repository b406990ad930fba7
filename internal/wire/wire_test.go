package wire

import (
	"bytes"
	"strings"
	"testing"
)

func mustDecode(t *testing.T, b []byte) Entry {
	t.Helper()
	e, err := DecodeEntry(b)
	if err != nil {
		t.Fatalf("DecodeEntry error: %v", err)
	}
	return e
}

func TestEntryRoundTrip(t *testing.T) {
	cases := []struct {
		version uint64
		payload []byte
	}{
		{1, nil},
		{42, []byte("hello")},
		{MaxVersion, []byte{0, 1, 2, 3, 4}},
	}
	for _, tc := range cases {
		enc := EncodeEntry(tc.version, Bytes(tc.payload))
		e := mustDecode(t, enc)
		if e.Version != tc.version {
			t.Fatalf("version mismatch: got %d want %d", e.Version, tc.version)
		}
		if e.Status != StatusFresh {
			t.Fatalf("status: got %v want fresh", e.Status)
		}
		if !bytes.Equal(e.Data, tc.payload) {
			t.Fatalf("payload mismatch: got %x want %x", e.Data, tc.payload)
		}
	}
}

func TestHeaderLayout(t *testing.T) {
	h := NewHeader(StatusInvalidated, 0x010203040506)
	want := []byte{1, 0, 1, 2, 3, 4, 5, 6}
	if !bytes.Equal(h.Bytes(), want) {
		t.Fatalf("header bytes: got %x want %x", h.Bytes(), want)
	}
	if h.Version() != 0x010203040506 || !h.Invalidated() {
		t.Fatalf("header accessors: version=%x status=%v", h.Version(), h.Status())
	}
}

func TestHeaderRejectsOversizedVersion(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for version above 48 bits")
		}
	}()
	NewHeader(StatusFresh, MaxVersion+1)
}

func TestEncodeInPlaceUsesHeadroom(t *testing.T) {
	buf := make([]byte, 16+5)
	copy(buf[16:], "hello")
	p := Payload{Buf: buf, Start: 16, SizeTable: []byte{9, 9}}

	enc := EncodeEntry(7, p)
	if &enc[len(enc)-1] != &buf[len(buf)-1] {
		t.Fatalf("expected in-place encoding to reuse the buffer")
	}
	if len(enc) != HeaderSize+2+5 {
		t.Fatalf("encoded length: got %d", len(enc))
	}
	e := mustDecode(t, enc)
	if e.Version != 7 || !bytes.Equal(e.Data, []byte{9, 9, 'h', 'e', 'l', 'l', 'o'}) {
		t.Fatalf("decoded: version=%d data=%q", e.Version, e.Data)
	}
}

func TestEncodeConcatenatesWithoutHeadroom(t *testing.T) {
	buf := []byte("xxhello")
	p := Payload{Buf: buf, Start: 2, SizeTable: []byte{1, 2, 3}}

	enc := EncodeEntry(9, p)
	if string(buf) != "xxhello" {
		t.Fatalf("input buffer must not be modified, got %q", buf)
	}
	e := mustDecode(t, enc)
	if !bytes.Equal(e.Data, []byte{1, 2, 3, 'h', 'e', 'l', 'l', 'o'}) {
		t.Fatalf("decoded data: %q", e.Data)
	}
}

func TestInvalidatedEntry(t *testing.T) {
	enc := EncodeInvalidated(12)
	if len(enc) != HeaderSize {
		t.Fatalf("invalidated entry must be header only, got %d bytes", len(enc))
	}
	e := mustDecode(t, enc)
	if !e.Invalidated() || e.Data != nil || e.Version != 12 {
		t.Fatalf("decoded invalidated: %+v", e)
	}

	// invalidated headers never carry a payload
	if _, err := DecodeEntry(append(enc, 'x')); err != ErrCorrupt {
		t.Fatalf("expected ErrCorrupt for invalidated entry with payload, got %v", err)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	for _, b := range [][]byte{
		nil,
		{0, 0, 0},
		{7, 0, 0, 0, 0, 0, 0, 1}, // unknown status
		{byte(StatusCompressed), 0, 0, 0, 0, 0, 0, 1, 0}, // truncated length
	} {
		if _, err := DecodeEntry(b); err != ErrCorrupt {
			t.Fatalf("DecodeEntry(%x): expected ErrCorrupt, got %v", b, err)
		}
	}
}

// ==============================
// Compression
// ==============================

func TestCompressRoundTrip(t *testing.T) {
	payload := []byte(strings.Repeat("derived value ", 200))
	enc := EncodeEntry(33, Bytes(payload))

	c, ok := Compress(enc)
	if !ok {
		t.Fatalf("expected repetitive payload to compress")
	}
	if len(c) >= len(enc) {
		t.Fatalf("compressed entry not smaller: %d >= %d", len(c), len(enc))
	}
	if Status(c[0]) != StatusCompressed {
		t.Fatalf("status byte: %d", c[0])
	}
	e := mustDecode(t, c)
	if e.Version != 33 || !bytes.Equal(e.Data, payload) {
		t.Fatalf("decompressed mismatch: version=%d len=%d", e.Version, len(e.Data))
	}
}

func TestCompressKeepsIncompressible(t *testing.T) {
	payload := make([]byte, 64)
	for i := range payload {
		payload[i] = byte(i*151 + 7)
	}
	enc := EncodeEntry(2, Bytes(payload))
	out, ok := Compress(enc)
	if ok {
		t.Fatalf("incompressible payload should not be adopted")
	}
	if !bytes.Equal(out, enc) {
		t.Fatalf("fallback must return the original entry")
	}
}

func TestCompressIgnoresInvalidated(t *testing.T) {
	enc := EncodeInvalidated(5)
	if _, ok := Compress(enc); ok {
		t.Fatalf("header-only entry must not compress")
	}
}

func TestCorruptCompressedBlock(t *testing.T) {
	payload := []byte(strings.Repeat("abc", 300))
	c, ok := Compress(EncodeEntry(1, Bytes(payload)))
	if !ok {
		t.Fatalf("expected compression")
	}
	c[9]++ // claim a different raw length
	if _, err := DecodeEntry(c); err != ErrCorrupt {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}
