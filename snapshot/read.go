package snapshot

import (
	"io"
	"os"

	"github.com/tursodatabase/libsql-sub009/frame"
	"github.com/tursodatabase/libsql-sub009/libsqlerr"
	"github.com/tursodatabase/libsql-sub009/types"
)

// ReadFrames opens the snapshot file at info.Path and returns every frame it
// contains, in the on-disk order: ascending frame_no, deduplicated by
// page_no, checksums re-chained from zero so the slice verifies as one
// self-contained batch (see writeSnapshotFile).
func ReadFrames(info types.SnapshotInfo) ([]types.Frame, error) {
	f, err := os.Open(info.Path)
	if err != nil {
		return nil, libsqlerr.Wrap(libsqlerr.KindIO, "open snapshot file", err)
	}
	defer f.Close()

	hdrBuf := make([]byte, SnapshotHeaderSize)
	if _, err := io.ReadFull(f, hdrBuf); err != nil {
		return nil, libsqlerr.Wrap(libsqlerr.KindCorruptSegment, "read snapshot header", err)
	}
	hdr, err := decodeSnapshotHeader(hdrBuf)
	if err != nil {
		return nil, err
	}
	pageSize := 0
	if hdr.FrameCount > 0 {
		fi, statErr := f.Stat()
		if statErr != nil {
			return nil, libsqlerr.Wrap(libsqlerr.KindIO, "stat snapshot file", statErr)
		}
		bodySize := fi.Size() - SnapshotHeaderSize
		pageSize = int(bodySize/int64(hdr.FrameCount)) - types.FrameHeaderSize
	}

	var frames []types.Frame
	frameSize := frame.EncodedSize(pageSize)
	for {
		// frame.Decode aliases its input, so every frame gets its own buffer.
		buf := make([]byte, frameSize)
		if _, err := io.ReadFull(f, buf); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return nil, libsqlerr.Wrap(libsqlerr.KindIO, "read snapshot frame", err)
		}
		fr, err := frame.Decode(buf, pageSize)
		if err != nil {
			return nil, err
		}
		frames = append(frames, fr)
	}
	return frames, nil
}
