// Package frame implements the fixed-size frame header codec and the
// rolling CRC64 checksum chain that anchors log validity (spec.md §4.A).
// It is deliberately tiny and allocation-light: segment.Writer and
// segment.Reader call straight into it on the hot append/read path, the
// way the teacher's segment package decodes frame headers directly off a
// scratch buffer.
package frame

import (
	"encoding/binary"
	"hash/crc64"

	"github.com/tursodatabase/libsql-sub009/libsqlerr"
	"github.com/tursodatabase/libsql-sub009/types"
)

// HeaderSize is the on-disk size of a frame header, before the page
// payload: frame_no u64 ‖ checksum u64 ‖ page_no u32 ‖ size_after u32.
const HeaderSize = types.FrameHeaderSize

var crcTable = crc64.MakeTable(crc64.ISO)

// EncodedSize returns the total on-disk size of a frame with the given
// page size: 24 + P bytes.
func EncodedSize(pageSize int) int {
	return HeaderSize + pageSize
}

// Encode writes header and page into a single 24+P byte buffer. The
// caller-supplied buf is reused if it has enough capacity, matching the
// teacher's scratch-buffer reuse in the hot path.
func Encode(h types.FrameHeader, page []byte, buf []byte) []byte {
	size := EncodedSize(len(page))
	if cap(buf) < size {
		buf = make([]byte, size)
	}
	buf = buf[:size]

	binary.LittleEndian.PutUint64(buf[0:8], h.FrameNo)
	binary.LittleEndian.PutUint64(buf[8:16], h.Checksum)
	binary.LittleEndian.PutUint32(buf[16:20], h.PageNo)
	binary.LittleEndian.PutUint32(buf[20:24], h.SizeAfter)
	copy(buf[HeaderSize:], page)
	return buf
}

// Decode parses a 24+P byte buffer into a header and a page slice that
// aliases buf. Fails with libsqlerr.ErrInvalidFrame unless len(buf) is
// exactly 24+pageSize (page size is supplied by the caller since it's
// fixed per database and not stored per frame).
func Decode(buf []byte, pageSize int) (types.Frame, error) {
	want := EncodedSize(pageSize)
	if len(buf) != want {
		return types.Frame{}, libsqlerr.New(libsqlerr.KindInvalidFrame,
			"frame buffer has wrong length for page size")
	}
	h := DecodeHeader(buf[:HeaderSize])
	page := buf[HeaderSize:want]
	return types.Frame{FrameHeader: h, Page: page}, nil
}

// DecodeHeader parses just the fixed header portion; used by
// segment.Reader to validate a frame before reading its (possibly large)
// page payload.
func DecodeHeader(buf []byte) types.FrameHeader {
	return types.FrameHeader{
		FrameNo:   binary.LittleEndian.Uint64(buf[0:8]),
		Checksum:  binary.LittleEndian.Uint64(buf[8:16]),
		PageNo:    binary.LittleEndian.Uint32(buf[16:20]),
		SizeAfter: binary.LittleEndian.Uint32(buf[20:24]),
	}
}

// RollChecksum computes the next checksum in the chain: CRC64-ISO over
// (previous_checksum ‖ frame_header_without_checksum ‖ page_bytes). It
// must be bit-identical between the primary (which assigns it) and any
// replica (which verifies it), so it takes only primitive inputs and does
// no I/O.
func RollChecksum(prev uint64, h types.FrameHeader, page []byte) uint64 {
	var prevBuf [8]byte
	binary.LittleEndian.PutUint64(prevBuf[:], prev)

	crc := crc64.New(crcTable)
	crc.Write(prevBuf[:])
	// header without checksum: frame_no(8) ‖ page_no(4) ‖ size_after(4)
	var hdr [16]byte
	binary.LittleEndian.PutUint64(hdr[0:8], h.FrameNo)
	binary.LittleEndian.PutUint32(hdr[8:12], h.PageNo)
	binary.LittleEndian.PutUint32(hdr[12:16], h.SizeAfter)
	crc.Write(hdr[:])
	crc.Write(page)
	return crc.Sum64()
}

// VerifyChain checks that h.Checksum == RollChecksum(prev, h, page).
func VerifyChain(prev uint64, h types.FrameHeader, page []byte) bool {
	return h.Checksum == RollChecksum(prev, h, page)
}
