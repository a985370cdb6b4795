// Package wire frames committed cache entries for storage providers.
// The frame binds a payload to the commit stamp of its in-process entry
// metadata; readers reject frames whose stamp does not match the metadata,
// which catches foreign writes and provider-level corruption.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version   byte = 1
	kindEntry byte = 1
)

var (
	ErrCorrupt = errors.New("tokencache: corrupt entry")
	magic4     = [...]byte{'T', 'K', 'N', 'C'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Entry: magic(4) | ver(1) | kind(1=entry) | stamp(u64 be) | vlen(u32 be) | payload(vlen)
func EncodeEntry(stamp uint64, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(4 + 1 + 1 + 8 + 4 + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindEntry)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], stamp)
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes()
}

// DecodeEntry validates the frame strictly: bad magic/version/kind, truncated
// buffers, and trailing bytes are all rejected. The returned payload is a
// zero-copy subslice of b.
func DecodeEntry(b []byte) (stamp uint64, payload []byte, err error) {
	const hdr = 4 + 1 + 1 + 8 + 4
	if len(b) < hdr || !hasMagic(b) || b[4] != version || b[5] != kindEntry {
		return 0, nil, ErrCorrupt
	}

	off := 6

	stamp = binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || off+vlen != len(b) { // strict framing, no trailing bytes
		return 0, nil, ErrCorrupt
	}

	return stamp, b[off : off+vlen], nil
}
