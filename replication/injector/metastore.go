package injector

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"

	"github.com/tursodatabase/libsql-sub009/libsqlerr"
	"github.com/tursodatabase/libsql-sub009/types"
)

// metaFileSize is the fixed 48-byte record from spec.md §3/§6
// (pre_commit ‖ post_commit ‖ generation_id ‖ database_id) plus an 8-byte
// xxhash64 self-check digest over those 48 bytes, written last.
const metaFileSize = 8 + 8 + 16 + 16 + 8

// FileMetaStore persists a types.ReplicaMeta as the fixed-size flat file
// spec.md §6 describes, using the same write-temp-then-fsync-then-rename
// discipline the segment writer uses for its own header (segment.Writer),
// so a crash mid-write never leaves a partially-written meta file visible.
type FileMetaStore struct {
	path string
}

// NewFileMetaStore opens the replica meta file at dir/meta, which need not
// exist yet: Load returns a zero-value ReplicaMeta until the first Save.
func NewFileMetaStore(dir string) *FileMetaStore {
	return &FileMetaStore{path: filepath.Join(dir, "meta")}
}

func (f *FileMetaStore) Load() (types.ReplicaMeta, error) {
	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return types.ReplicaMeta{}, nil
	}
	if err != nil {
		return types.ReplicaMeta{}, libsqlerr.Wrap(libsqlerr.KindIO, "read replica meta", err)
	}
	if len(raw) != metaFileSize {
		return types.ReplicaMeta{}, libsqlerr.New(libsqlerr.KindCorruptSegment, "replica meta file has wrong size")
	}
	body, digest := raw[:metaFileSize-8], raw[metaFileSize-8:]
	if binary.LittleEndian.Uint64(digest) != xxhash.Sum64(body) {
		return types.ReplicaMeta{}, libsqlerr.New(libsqlerr.KindCorruptSegment, "replica meta file digest mismatch")
	}

	var m types.ReplicaMeta
	m.PreCommitFrameNo = binary.LittleEndian.Uint64(body[0:8])
	m.PostCommitFrameNo = binary.LittleEndian.Uint64(body[8:16])
	copy(m.GenerationID[:], body[16:32])
	copy(m.DatabaseID[:], body[32:48])
	return m, nil
}

func (f *FileMetaStore) Save(m types.ReplicaMeta) error {
	body := make([]byte, metaFileSize-8)
	binary.LittleEndian.PutUint64(body[0:8], m.PreCommitFrameNo)
	binary.LittleEndian.PutUint64(body[8:16], m.PostCommitFrameNo)
	copy(body[16:32], m.GenerationID[:])
	copy(body[32:48], m.DatabaseID[:])

	buf := make([]byte, metaFileSize)
	copy(buf, body)
	binary.LittleEndian.PutUint64(buf[metaFileSize-8:], xxhash.Sum64(body))

	tmp := f.path + ".tmp"
	fh, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return libsqlerr.Wrap(libsqlerr.KindIO, "create replica meta tmp file", err)
	}
	if _, err := fh.Write(buf); err != nil {
		fh.Close()
		return libsqlerr.Wrap(libsqlerr.KindIO, "write replica meta tmp file", err)
	}
	if err := fh.Sync(); err != nil {
		fh.Close()
		return libsqlerr.Wrap(libsqlerr.KindIO, "fsync replica meta tmp file", err)
	}
	if err := fh.Close(); err != nil {
		return libsqlerr.Wrap(libsqlerr.KindIO, "close replica meta tmp file", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return libsqlerr.Wrap(libsqlerr.KindIO, "rename replica meta file", err)
	}
	return nil
}
