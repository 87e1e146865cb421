package types

import (
	"context"
	"io"
)

// ReadableFile is the minimal surface segment.Reader needs from an open
// file handle; mirrors the teacher's types.ReadableFile so tests can stub
// segment storage without touching the filesystem.
type ReadableFile interface {
	io.ReaderAt
	io.Closer
}

// WritableFile is the minimal surface segment.Writer needs to append
// frames and seal a segment.
type WritableFile interface {
	ReadableFile
	io.WriterAt
	Truncate(size int64) error
	Sync() error
}

// SegmentWriter is satisfied by segment.Writer; it is the interface the
// log writer (walhook) drives, kept narrow so tests can substitute a fake.
type SegmentWriter interface {
	Append(frames []Frame) error
	// LastFrameNo returns the highest frame_no appended so far, 0 if empty.
	LastFrameNo() uint64
	// LastChecksum returns the checksum chain value after the last
	// appended frame, 0 if empty.
	LastChecksum() uint64
	// GetFrame reads back a single already-appended frame, letting readers
	// (replication source, snapshotter) see the open tail's prefix without
	// waiting for a seal.
	GetFrame(frameNo uint64) (Frame, error)
	// Sealed reports whether the segment has crossed its rotation
	// threshold (frame count or age) and returns the IndexStart to record
	// if so.
	Sealed() (sealed bool, indexStart uint32, err error)
	io.Closer
}

// SegmentReader is satisfied by segment.Reader; read access to a sealed
// (or, via a tail adapter, still-open) segment.
type SegmentReader interface {
	// GetFrame returns the single frame at frameNo. Returns ErrNotFound if
	// frameNo falls outside this segment's range.
	GetFrame(frameNo uint64) (Frame, error)
	Info() SegmentInfo
	io.Closer
}

// SegmentFiler creates, recovers, opens and deletes segment files. It is
// the storage capability the log writer (walhook) and snapshotter depend
// on, generalized from the teacher's types.SegmentFiler.
type SegmentFiler interface {
	// Create makes a brand new segment file for the given info (which must
	// not yet be sealed) and returns a writer for it.
	Create(info SegmentInfo) (SegmentWriter, error)
	// RecoverTail reopens a segment file believed to be the still-open
	// tail after a crash, truncating any partial trailing frame.
	RecoverTail(info SegmentInfo) (SegmentWriter, error)
	// Open opens a sealed segment file for reading.
	Open(info SegmentInfo) (SegmentReader, error)
	// List returns the set of segment ids actually present on disk,
	// keyed by id -> start_frame_no, so callers can reconcile against
	// metadb state and delete orphans.
	List() (map[uint64]uint64, error)
	// Delete removes a segment file by id/start_frame_no. Not fatal if it
	// fails; callers log and continue.
	Delete(id, startFrameNo uint64) error
}

// MetaStore is the durable index of segment metadata the log writer
// consults on startup and updates on every rotation, generalizing the
// teacher's types.MetaStore (backed here by metadb, a bbolt wrapper).
type MetaStore interface {
	io.Closer
	Load() (PersistentState, error)
	CommitState(PersistentState) error
}

// PersistentState is the durable record of all known segments plus the
// next segment id to assign, written atomically to the MetaStore.
type PersistentState struct {
	NextSegmentID uint64
	Segments      []SegmentInfo
}

// FrameSink receives frames pulled from a replication stream, in ascending
// frame_no order. Implemented by the injector.
type FrameSink interface {
	Inject(ctx context.Context, f Frame) error
	Rollback() error
}

// FrameStream is a cursor over frames delivered by the replication source,
// generalized so any transport (in-process, network) can implement it
// without this module depending on a specific RPC framework.
type FrameStream interface {
	// Next returns the next frame, or io.EOF when the stream ends cleanly
	// at a commit boundary. Returns ErrNeedSnapshot (via libsqlerr) if the
	// source determined the requested starting point requires a snapshot.
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// HelloResponse is returned by the replication source's hello RPC.
type HelloResponse struct {
	DatabaseID      [16]byte
	GenerationID    [16]byte
	CurrentFrameNo  uint64
	PageSize        uint32
}

// Storage is the capability set backup/storage implementations provide:
// {Store, FetchSegment, Meta, Restore} from spec.md §4.I, generalized over
// {Filesystem, S3}.
type Storage interface {
	Store(ctx context.Context, meta SegmentBackupMeta, segment io.Reader) error
	FetchSegment(ctx context.Context, namespace string, frameNo uint64, sink io.Writer) error
	Meta(ctx context.Context, namespace string) (StorageMeta, error)
	// Restore streams segments into sink from frame 1 up to either `before`
	// (if set) or the latest, and reports the highest frame_no restored.
	Restore(ctx context.Context, namespace string, before *int64, sink io.Writer) (endFrameNo uint64, err error)
}

// StorageMeta is the cheap summary returned by Storage.Meta.
type StorageMeta struct {
	MaxFrameNo uint64
}
