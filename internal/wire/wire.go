package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// Entry layout:
//
//	status(1) | reserved(1) | version(u48 be) | payload
//
// Compressed payload:
//
//	status(1=compressed) | reserved(1) | version(u48 be) | rawLen(u32 be) | lz4 block
const (
	HeaderSize = 8

	// MaxVersion is the largest version representable in the header.
	MaxVersion = 1<<48 - 1

	compressedPrefix = HeaderSize + 4
)

type Status byte

const (
	StatusFresh       Status = 0
	StatusInvalidated Status = 1
	StatusCompressed  Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusFresh:
		return "fresh"
	case StatusInvalidated:
		return "invalidated"
	case StatusCompressed:
		return "compressed"
	default:
		return fmt.Sprintf("status(%d)", byte(s))
	}
}

var ErrCorrupt = errors.New("cobase: corrupt entry")

// Header is the fixed 8-byte prefix of every stored entry. It is the unit
// compared by conditional writes.
type Header [HeaderSize]byte

func NewHeader(status Status, version uint64) Header {
	if version > MaxVersion {
		panic(fmt.Sprintf("cobase: version %d exceeds 48 bits", version))
	}
	var h Header
	h[0] = byte(status)
	putUint48(h[2:], version)
	return h
}

// HeaderOf returns the header of a stored entry.
func HeaderOf(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, ErrCorrupt
	}
	copy(h[:], b)
	return h, nil
}

func (h Header) Status() Status    { return Status(h[0]) }
func (h Header) Version() uint64   { return uint48(h[2:]) }
func (h Header) Invalidated() bool { return h.Status() == StatusInvalidated }

// Bytes returns a copy of the header suitable for conditional writes.
func (h Header) Bytes() []byte { b := h; return b[:] }

// Payload describes encoded value bytes. Body lives at Buf[Start:]; the bytes
// before Start are free headroom that EncodeEntry may write into.
// SizeTable, if set, is written between the header and the body.
type Payload struct {
	Buf       []byte
	Start     int
	SizeTable []byte
}

// Bytes wraps b as a payload with no headroom.
func Bytes(b []byte) Payload { return Payload{Buf: b} }

// EncodeEntry frames p as a fresh entry with the given version. When p has
// enough headroom the header is written in place and Buf is reused.
func EncodeEntry(version uint64, p Payload) []byte {
	h := NewHeader(StatusFresh, version)
	body := p.Buf[p.Start:]
	need := HeaderSize + len(p.SizeTable)
	if p.Start >= need {
		off := p.Start - need
		copy(p.Buf[off:], h[:])
		copy(p.Buf[off+HeaderSize:], p.SizeTable)
		return p.Buf[off:]
	}
	out := make([]byte, 0, need+len(body))
	out = append(out, h[:]...)
	out = append(out, p.SizeTable...)
	return append(out, body...)
}

// EncodeInvalidated returns a header-only entry marking the id stale at version.
func EncodeInvalidated(version uint64) []byte {
	h := NewHeader(StatusInvalidated, version)
	return h[:]
}

type Entry struct {
	Version uint64
	Status  Status
	// Data is the decoded payload (size table + body). Nil for invalidated
	// entries. Aliases the input unless the entry was compressed.
	Data []byte
}

func (e Entry) Invalidated() bool { return e.Status == StatusInvalidated }

func DecodeEntry(b []byte) (Entry, error) {
	h, err := HeaderOf(b)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{Version: h.Version(), Status: h.Status()}
	switch e.Status {
	case StatusFresh:
		e.Data = b[HeaderSize:]
	case StatusInvalidated:
		if len(b) != HeaderSize {
			return Entry{}, ErrCorrupt
		}
	case StatusCompressed:
		data, err := decompress(b)
		if err != nil {
			return Entry{}, err
		}
		e.Data = data
	default:
		return Entry{}, ErrCorrupt
	}
	return e, nil
}

// Compress lz4-compresses the payload of a fresh entry. The result is only
// adopted when strictly smaller than the input; otherwise entry is returned
// unchanged with ok=false.
func Compress(entry []byte) ([]byte, bool) {
	if len(entry) <= compressedPrefix || Status(entry[0]) != StatusFresh {
		return entry, false
	}
	src := entry[HeaderSize:]
	dst := make([]byte, compressedPrefix+lz4.CompressBlockBound(len(src)))
	n, err := lz4.CompressBlock(src, dst[compressedPrefix:], nil)
	if err != nil || n == 0 || compressedPrefix+n >= len(entry) {
		return entry, false
	}
	copy(dst, entry[:HeaderSize])
	dst[0] = byte(StatusCompressed)
	binary.BigEndian.PutUint32(dst[HeaderSize:], uint32(len(src)))
	return dst[:compressedPrefix+n], true
}

func decompress(b []byte) ([]byte, error) {
	if len(b) < compressedPrefix {
		return nil, ErrCorrupt
	}
	rawLen := int(binary.BigEndian.Uint32(b[HeaderSize:compressedPrefix]))
	out := make([]byte, rawLen)
	n, err := lz4.UncompressBlock(b[compressedPrefix:], out)
	if err != nil || n != rawLen {
		return nil, ErrCorrupt
	}
	return out, nil
}

func putUint48(b []byte, v uint64) {
	_ = b[5]
	b[0] = byte(v >> 40)
	b[1] = byte(v >> 32)
	b[2] = byte(v >> 24)
	b[3] = byte(v >> 16)
	b[4] = byte(v >> 8)
	b[5] = byte(v)
}

func uint48(b []byte) uint64 {
	_ = b[5]
	return uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(b[2])<<24 |
		uint64(b[3])<<16 | uint64(b[4])<<8 | uint64(b[5])
}
