package segment

import (
	"encoding/binary"
	"hash/crc64"

	"github.com/tursodatabase/libsql-sub009/libsqlerr"
	"github.com/tursodatabase/libsql-sub009/types"
)

// HeaderSize is the fixed on-disk segment header size (spec.md §6):
// magic(8) db_id(16) start_frame_no(8) end_frame_no(8) frame_count(8)
// page_size(4) reserved(4) header_checksum(8) = 0x40 bytes.
const HeaderSize = 0x40

var crcTable = crc64.MakeTable(crc64.ISO)

type header struct {
	dbID         [16]byte
	startFrameNo uint64
	endFrameNo   uint64
	frameCount   uint64
	pageSize     uint32
}

func encodeHeader(h header) []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0x00:0x08], types.SegmentMagic[:])
	copy(buf[0x08:0x18], h.dbID[:])
	binary.LittleEndian.PutUint64(buf[0x18:0x20], h.startFrameNo)
	binary.LittleEndian.PutUint64(buf[0x20:0x28], h.endFrameNo)
	binary.LittleEndian.PutUint64(buf[0x28:0x30], h.frameCount)
	binary.LittleEndian.PutUint32(buf[0x30:0x34], h.pageSize)
	// 0x34:0x38 reserved, left zero.
	checksum := crc64.Checksum(buf[:0x38], crcTable)
	binary.LittleEndian.PutUint64(buf[0x38:0x40], checksum)
	return buf
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) < HeaderSize {
		return header{}, libsqlerr.New(libsqlerr.KindCorruptSegment, "short segment header")
	}
	if string(buf[0x00:0x08]) != string(types.SegmentMagic[:]) {
		return header{}, libsqlerr.New(libsqlerr.KindCorruptSegment, "bad segment magic")
	}
	wantChecksum := binary.LittleEndian.Uint64(buf[0x38:0x40])
	gotChecksum := crc64.Checksum(buf[:0x38], crcTable)
	if wantChecksum != gotChecksum {
		return header{}, libsqlerr.New(libsqlerr.KindCorruptSegment, "segment header checksum mismatch")
	}
	var h header
	copy(h.dbID[:], buf[0x08:0x18])
	h.startFrameNo = binary.LittleEndian.Uint64(buf[0x18:0x20])
	h.endFrameNo = binary.LittleEndian.Uint64(buf[0x20:0x28])
	h.frameCount = binary.LittleEndian.Uint64(buf[0x28:0x30])
	h.pageSize = binary.LittleEndian.Uint32(buf[0x30:0x34])
	return h, nil
}
