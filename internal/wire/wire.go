// Package wire frames persisted snapshots. The envelope carries enough to
// reject foreign, truncated, or outdated blobs before the payload codec
// ever runs; restore treats any framing violation as corruption and
// discards the snapshot rather than failing.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

const version byte = 1

var (
	ErrCorrupt = errors.New("querycache: corrupt snapshot")
	magic4     = [...]byte{'Q', 'C', 'S', 'N'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Envelope: magic(4) | ver(1) | savedAt(u64 be, unix ms) | blen(u16 be) |
// buster(blen) | plen(u32 be) | payload(plen). No trailing bytes.
//
// buster is the application's schema tag: bump it when the shape of cached
// data changes and old snapshots become unusable.
func Encode(buster string, savedAt time.Time, payload []byte) []byte {
	if len(buster) > 0xFFFF {
		panic("querycache: snapshot buster too long")
	}

	var buf bytes.Buffer
	buf.Grow(4 + 1 + 8 + 2 + len(buster) + 4 + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)

	var u8 [8]byte
	var u4 [4]byte
	var u2 [2]byte

	binary.BigEndian.PutUint64(u8[:], uint64(savedAt.UnixMilli()))
	buf.Write(u8[:])

	binary.BigEndian.PutUint16(u2[:], uint16(len(buster)))
	buf.Write(u2[:])
	buf.WriteString(buster)

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])
	buf.Write(payload)

	return buf.Bytes()
}

func Decode(b []byte) (buster string, savedAt time.Time, payload []byte, err error) {
	const hdr = 4 + 1 + 8 + 2
	if len(b) < hdr || !hasMagic(b) || b[4] != version {
		return "", time.Time{}, nil, ErrCorrupt
	}

	off := 5

	ms := binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	savedAt = time.UnixMilli(int64(ms))

	blen := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if blen > len(b)-off {
		return "", time.Time{}, nil, ErrCorrupt
	}
	buster = string(b[off : off+blen])
	off += blen

	if off+4 > len(b) {
		return "", time.Time{}, nil, ErrCorrupt
	}
	plen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if plen < 0 || plen > len(b)-off { // overflow-safe bound check
		return "", time.Time{}, nil, ErrCorrupt
	}
	payload = b[off : off+plen]
	off += plen

	// strict: a valid envelope is exactly consumed
	if off != len(b) {
		return "", time.Time{}, nil, ErrCorrupt
	}
	return buster, savedAt, payload, nil
}
