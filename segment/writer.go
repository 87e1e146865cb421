// Package segment implements the append-only frame log file (spec.md
// §4.B): fixed header, sequential frame records, an on-disk index written
// at seal time, and a read path that can mmap a sealed file. It is
// grounded on the teacher's segment package, generalizing its raft log
// index arithmetic to libsql frame numbers and its OffsetForFrame tail
// lookup to the open-segment case.
package segment

import (
	"fmt"
	"sync"
	"time"

	"github.com/tursodatabase/libsql-sub009/frame"
	"github.com/tursodatabase/libsql-sub009/libsqlerr"
	"github.com/tursodatabase/libsql-sub009/types"
)

// Writer is the append handle for a still-open segment file. Only the
// primary's walhook.LogWriter holds one at a time per segment; it is not
// safe for concurrent Append calls, matching the "current segment: one
// writer" policy of spec.md §5.
type Writer struct {
	mu sync.Mutex

	f    types.WritableFile
	info types.SegmentInfo

	// offsets[i] is the byte offset of frame with frame_no ==
	// info.StartFrameNo+i. Used both to answer GetFrame while the segment
	// is still open and to build the on-disk index at seal time.
	offsets []uint32

	nextOffset   uint32 // next free byte in the file, body starts at HeaderSize
	lastChecksum uint64
	lastFrameNo  uint64 // 0 if empty

	createdAt time.Time
	scratch   []byte

	pageSize int

	maxFrames uint64
	maxAge    time.Duration
}

// Create initializes a brand new segment file: writes the (unsealed)
// header and returns a Writer ready to Append. maxFrames/maxAge are the
// rotation thresholds (spec.md §4.C: max_segment_frames, max_segment_age)
// fixed for the lifetime of this segment.
func Create(f types.WritableFile, info types.SegmentInfo, maxFrames uint64, maxAge time.Duration) (*Writer, error) {
	h := header{
		dbID:         info.DatabaseID,
		startFrameNo: info.StartFrameNo,
		pageSize:     info.PageSize,
	}
	buf := encodeHeader(h)
	if _, err := f.WriteAt(buf, 0); err != nil {
		return nil, libsqlerr.Wrap(libsqlerr.KindIO, "write segment header", err)
	}
	if err := f.Sync(); err != nil {
		return nil, libsqlerr.Wrap(libsqlerr.KindIO, "fsync new segment", err)
	}
	return &Writer{
		f:          f,
		info:       info,
		nextOffset: HeaderSize,
		createdAt:  time.Now(),
		pageSize:   int(info.PageSize),
		maxFrames:  maxFrames,
		maxAge:     maxAge,
	}, nil
}

// RecoverTail reopens a segment file believed to be the open tail after a
// crash: it scans frames forward from the header, stopping at the first
// short, undecodable, out-of-sequence or chain-breaking frame, and
// truncates everything from there on. The header's frame_count is not
// consulted (it is only written at seal time).
func RecoverTail(f types.WritableFile, info types.SegmentInfo, pageSize int, maxFrames uint64, maxAge time.Duration) (*Writer, error) {
	w := &Writer{f: f, info: info, nextOffset: HeaderSize, createdAt: time.Now(), pageSize: pageSize, maxFrames: maxFrames, maxAge: maxAge}

	frameSize := frame.EncodedSize(pageSize)
	offset := uint32(HeaderSize)
	var prevChecksum uint64
	var frameNo uint64
	buf := make([]byte, frameSize)

	for {
		n, err := f.ReadAt(buf, int64(offset))
		if n < frameSize || err != nil {
			break // short read: partial/no frame here, this is the true end
		}
		fr, derr := frame.Decode(buf, pageSize)
		if derr != nil {
			break
		}
		if !frame.VerifyChain(prevChecksum, fr.FrameHeader, fr.Page) {
			break
		}
		if frameNo != 0 && fr.FrameNo != frameNo+1 {
			break
		}
		w.offsets = append(w.offsets, offset)
		prevChecksum = fr.Checksum
		frameNo = fr.FrameNo
		offset += uint32(frameSize)
	}

	if err := f.Truncate(int64(offset)); err != nil {
		return nil, libsqlerr.Wrap(libsqlerr.KindIO, "truncate partial tail", err)
	}
	w.nextOffset = offset
	w.lastChecksum = prevChecksum
	w.lastFrameNo = frameNo
	return w, nil
}

// Append appends one or more frames to the segment, in order. It assigns
// no frame numbers itself — the caller (walhook.LogWriter) already did
// that under its lock — but it does verify monotonicity and the checksum
// chain as a last line of defense before trusting the bytes to disk.
func (w *Writer) Append(frames []types.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, f := range frames {
		if w.lastFrameNo != 0 && f.FrameNo != w.lastFrameNo+1 {
			return libsqlerr.New(libsqlerr.KindInvalidFrame,
				fmt.Sprintf("non-monotonic frame_no: got %d after %d", f.FrameNo, w.lastFrameNo))
		}
		if w.lastFrameNo == 0 && w.info.StartFrameNo != 0 && f.FrameNo != w.info.StartFrameNo {
			return libsqlerr.New(libsqlerr.KindInvalidFrame,
				fmt.Sprintf("frame_no %d does not match segment start_frame_no %d", f.FrameNo, w.info.StartFrameNo))
		}
		if !frame.VerifyChain(w.lastChecksum, f.FrameHeader, f.Page) {
			return libsqlerr.New(libsqlerr.KindChecksumMismatch,
				fmt.Sprintf("checksum chain broken at frame_no %d", f.FrameNo))
		}

		w.scratch = frame.Encode(f.FrameHeader, f.Page, w.scratch)
		if _, err := w.f.WriteAt(w.scratch, int64(w.nextOffset)); err != nil {
			return libsqlerr.Wrap(libsqlerr.KindIO, "append frame", err)
		}
		w.offsets = append(w.offsets, w.nextOffset)
		w.nextOffset += uint32(len(w.scratch))
		w.lastChecksum = f.Checksum
		w.lastFrameNo = f.FrameNo
	}
	return w.f.Sync()
}

// LastFrameNo returns the highest frame_no appended so far, 0 if empty.
func (w *Writer) LastFrameNo() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastFrameNo
}

// LastChecksum returns the checksum chain value after the last appended
// frame, 0 if empty. Used by walhook to continue the chain across
// successive Frames() calls without re-reading the file.
func (w *Writer) LastChecksum() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastChecksum
}

// FrameCount returns the number of frames appended so far.
func (w *Writer) FrameCount() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return uint64(len(w.offsets))
}

// OffsetForFrame implements the tailWriter lookup segment.Reader uses
// while a segment is still the open tail, so readers never need to wait
// for a seal to see already-written frames.
func (w *Writer) OffsetForFrame(frameNo uint64) (uint32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.offsets) == 0 {
		return 0, libsqlerr.ErrNotFound
	}
	idx := int64(frameNo) - int64(firstFrameNo(w))
	if idx < 0 || idx >= int64(len(w.offsets)) {
		return 0, libsqlerr.ErrNotFound
	}
	return w.offsets[idx], nil
}

func firstFrameNo(w *Writer) uint64 {
	if w.info.StartFrameNo != 0 {
		return w.info.StartFrameNo
	}
	// An as-yet-unassigned tail (StartFrameNo filled lazily on first
	// append): derive it from the last frame and how many we've written.
	if w.lastFrameNo == 0 || len(w.offsets) == 0 {
		return 0
	}
	return w.lastFrameNo - uint64(len(w.offsets)) + 1
}

// GetFrame reads the frame at frameNo directly off the underlying file,
// used by segment.Reader when wrapping a still-open tail, and by readers
// (replication source, snapshotter) that need to see the tail's prefix
// before it seals.
func (w *Writer) GetFrame(frameNo uint64) (types.Frame, error) {
	offset, err := w.OffsetForFrame(frameNo)
	if err != nil {
		return types.Frame{}, err
	}
	buf := make([]byte, frame.EncodedSize(w.pageSize))
	if _, err := w.f.ReadAt(buf, int64(offset)); err != nil {
		return types.Frame{}, libsqlerr.Wrap(libsqlerr.KindIO, "read frame", err)
	}
	return frame.Decode(buf, w.pageSize)
}

// Sealed reports whether this segment has crossed its rotation threshold
// (frame count or age), implementing types.SegmentWriter.
func (w *Writer) Sealed() (sealed bool, indexStart uint32, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	byCount := w.maxFrames > 0 && uint64(len(w.offsets)) >= w.maxFrames
	byAge := w.maxAge > 0 && time.Since(w.createdAt) >= w.maxAge
	return byCount || byAge, w.nextOffset, nil
}

// Seal rewrites the header with the final end_frame_no/frame_count,
// appends the on-disk frame index, fsyncs, and returns the now-immutable
// SegmentInfo. The caller is responsible for not calling Append again.
func (w *Writer) Seal() (types.SegmentInfo, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	start := firstFrameNo(w)
	h := header{
		dbID:         w.info.DatabaseID,
		startFrameNo: start,
		endFrameNo:   w.lastFrameNo,
		frameCount:   uint64(len(w.offsets)),
		pageSize:     w.info.PageSize,
	}
	buf := encodeHeader(h)
	if _, err := w.f.WriteAt(buf, 0); err != nil {
		return types.SegmentInfo{}, libsqlerr.Wrap(libsqlerr.KindIO, "rewrite sealed header", err)
	}

	indexStart := w.nextOffset
	idxBuf := make([]byte, 4*len(w.offsets))
	for i, off := range w.offsets {
		putUint32(idxBuf[i*4:], off)
	}
	if _, err := w.f.WriteAt(idxBuf, int64(indexStart)); err != nil {
		return types.SegmentInfo{}, libsqlerr.Wrap(libsqlerr.KindIO, "write segment index", err)
	}
	if err := w.f.Sync(); err != nil {
		return types.SegmentInfo{}, libsqlerr.Wrap(libsqlerr.KindIO, "fsync sealed segment", err)
	}

	w.info.StartFrameNo = start
	w.info.EndFrameNo = w.lastFrameNo
	w.info.FrameCount = uint64(len(w.offsets))
	w.info.IndexStart = indexStart
	w.info.SealTime = time.Now()
	return w.info, nil
}

func (w *Writer) Close() error {
	return w.f.Close()
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
