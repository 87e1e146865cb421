package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tursodatabase/libsql-sub009/libsqlerr"
	"github.com/tursodatabase/libsql-sub009/types"
)

// FileFiler is the default types.SegmentFiler: one file per segment under
// dir, named segment-<start_frame_no>-<id>.log, matching the
// wallog/segment-<start_no>.log layout from spec.md §6.
type FileFiler struct {
	dir       string
	maxFrames uint64
	maxAge    time.Duration
}

// NewFileFiler creates dir if needed and returns a FileFiler rooted there.
func NewFileFiler(dir string, maxFrames uint64, maxAge time.Duration) (*FileFiler, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, libsqlerr.Wrap(libsqlerr.KindConfig, "create segment directory", err)
	}
	return &FileFiler{dir: dir, maxFrames: maxFrames, maxAge: maxAge}, nil
}

func (ff *FileFiler) pathFor(id, startFrameNo uint64) string {
	return filepath.Join(ff.dir, fmt.Sprintf("segment-%020d-%020d.log", startFrameNo, id))
}

func (ff *FileFiler) Create(info types.SegmentInfo) (types.SegmentWriter, error) {
	f, err := os.OpenFile(ff.pathFor(info.ID, info.StartFrameNo), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, libsqlerr.Wrap(libsqlerr.KindIO, "create segment file", err)
	}
	w, err := Create(f, info, ff.maxFrames, ff.maxAge)
	if err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (ff *FileFiler) RecoverTail(info types.SegmentInfo) (types.SegmentWriter, error) {
	f, err := os.OpenFile(ff.pathFor(info.ID, info.StartFrameNo), os.O_RDWR, 0o644)
	if err != nil {
		return nil, libsqlerr.Wrap(libsqlerr.KindIO, "open tail segment file", err)
	}
	w, err := RecoverTail(f, info, int(info.PageSize), ff.maxFrames, ff.maxAge)
	if err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (ff *FileFiler) Open(info types.SegmentInfo) (types.SegmentReader, error) {
	path := ff.pathFor(info.ID, info.StartFrameNo)
	r, closer, err := OpenSealed(path, info.DatabaseID)
	if err != nil {
		return nil, err
	}
	return &sealedReader{Reader: r, closer: closer}, nil
}

// sealedReader pairs a Reader with the mmap/file closer OpenSealed
// returned, so types.SegmentReader.Close actually releases the mapping.
type sealedReader struct {
	*Reader
	closer interface{ Close() error }
}

func (s *sealedReader) Close() error { return s.closer.Close() }

func (ff *FileFiler) List() (map[uint64]uint64, error) {
	entries, err := os.ReadDir(ff.dir)
	if err != nil {
		return nil, libsqlerr.Wrap(libsqlerr.KindIO, "list segment directory", err)
	}
	out := map[uint64]uint64{}
	for _, e := range entries {
		var start, id uint64
		if _, err := fmt.Sscanf(e.Name(), "segment-%020d-%020d.log", &start, &id); err == nil {
			out[id] = start
		}
	}
	return out, nil
}

func (ff *FileFiler) Delete(id, startFrameNo uint64) error {
	err := os.Remove(ff.pathFor(id, startFrameNo))
	if err != nil && !os.IsNotExist(err) {
		return libsqlerr.Wrap(libsqlerr.KindIO, "delete segment file", err)
	}
	return nil
}
