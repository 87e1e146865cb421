package snapshot

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/tursodatabase/libsql-sub009/libsqlerr"
	"github.com/tursodatabase/libsql-sub009/types"
)

// Index is the durable directory index mapping frame_no ranges to snapshot
// files (the "snapshots/index" file from spec.md §6's on-disk layout). It
// is a flat, append-then-atomic-rename file of records (fixed header fields
// plus a length-prefixed, variable-length path), the same
// write-temp-then-rename discipline as the replica meta file, chosen
// because bbolt would be overkill for a handful of records read on every
// replication-source lookup.
type Index struct {
	mu      sync.RWMutex
	path    string
	entries []types.SnapshotInfo // ascending StartFrameNo
}

const indexRecordSize = SnapshotHeaderSize + 2 // header fields + path length prefix, variable path appended

func loadIndex(dir string) (*Index, error) {
	path := filepath.Join(dir, "index")
	idx := &Index{path: path}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, libsqlerr.Wrap(libsqlerr.KindIO, "read snapshot index", err)
	}
	entries, err := decodeIndex(raw)
	if err != nil {
		return nil, err
	}
	idx.entries = entries
	return idx, nil
}

// publish appends info to the index and atomically rewrites the index file,
// called only after the snapshot file itself is durably renamed into place
// (spec.md §4.D: "on fsync+rename, updates the directory index").
func (idx *Index) publish(info types.SnapshotInfo) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.entries = append(idx.entries, info)
	sort.Slice(idx.entries, func(i, j int) bool { return idx.entries[i].StartFrameNo < idx.entries[j].StartFrameNo })

	buf := encodeIndex(idx.entries)
	tmp := idx.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return libsqlerr.Wrap(libsqlerr.KindIO, "write snapshot index temp file", err)
	}
	f, err := os.OpenFile(tmp, os.O_RDWR, 0o644)
	if err != nil {
		return libsqlerr.Wrap(libsqlerr.KindIO, "reopen snapshot index temp file", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return libsqlerr.Wrap(libsqlerr.KindIO, "fsync snapshot index", err)
	}
	f.Close()
	if err := os.Rename(tmp, idx.path); err != nil {
		return libsqlerr.Wrap(libsqlerr.KindIO, "rename snapshot index into place", err)
	}
	return nil
}

// Latest returns the newest snapshot whose EndFrameNo >= fromFrameNo,
// i.e. the one the replication source should serve for a snapshot() call
// starting at fromFrameNo (spec.md §4.E).
func (idx *Index) Latest(fromFrameNo uint64) (types.SnapshotInfo, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	for i := len(idx.entries) - 1; i >= 0; i-- {
		if idx.entries[i].EndFrameNo >= fromFrameNo {
			return idx.entries[i], true
		}
	}
	return types.SnapshotInfo{}, false
}

// Entries returns a copy of all known snapshots, oldest first.
func (idx *Index) Entries() []types.SnapshotInfo {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]types.SnapshotInfo, len(idx.entries))
	copy(out, idx.entries)
	return out
}

func encodeIndex(entries []types.SnapshotInfo) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		buf.Write(encodeSnapshotHeader(e))
		pathBytes := []byte(e.Path)
		var lenBuf [2]byte
		binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(pathBytes)))
		buf.Write(lenBuf[:])
		buf.Write(pathBytes)
	}
	return buf.Bytes()
}

func decodeIndex(raw []byte) ([]types.SnapshotInfo, error) {
	var entries []types.SnapshotInfo
	off := 0
	for off < len(raw) {
		if off+SnapshotHeaderSize+2 > len(raw) {
			return nil, libsqlerr.New(libsqlerr.KindCorruptSegment, "truncated snapshot index record")
		}
		info, err := decodeSnapshotHeader(raw[off : off+SnapshotHeaderSize])
		if err != nil {
			return nil, err
		}
		off += SnapshotHeaderSize
		pathLen := int(binary.LittleEndian.Uint16(raw[off : off+2]))
		off += 2
		if off+pathLen > len(raw) {
			return nil, libsqlerr.New(libsqlerr.KindCorruptSegment, "truncated snapshot index path")
		}
		info.Path = string(raw[off : off+pathLen])
		off += pathLen
		entries = append(entries, info)
	}
	return entries, nil
}

// Index exposes Latest/Entries to callers outside this package (the
// replication source); Index itself stays unexported-construction so it is
// only built via New/loadIndex.
func (s *Snapshotter) Index() *Index { return s.index }
