// Package types holds the data model and capability interfaces shared
// between the frame log writer, the replica injector/replicator, and the
// backup tier, mirroring the role of the teacher's (raft-wal) internal
// types package: plain structs plus the small interfaces that let each
// component be driven by a stub in tests.
package types

import "time"

// FrameHeaderSize is the fixed size of a frame header: frame_no, checksum,
// page_no, size_after, all little-endian (spec.md §3/§6).
const FrameHeaderSize = 24

// FrameHeader is the fixed portion of a frame, everything except the page
// payload. frame_no is strictly increasing and assigned by the primary
// under the log writer lock; checksum rolls from the previous frame's
// checksum so that verifying the chain from any known-good frame detects
// truncation or tampering.
type FrameHeader struct {
	FrameNo   uint64
	Checksum  uint64
	PageNo    uint32
	SizeAfter uint32 // non-zero iff this frame is the last of a transaction
}

// IsCommit reports whether this frame is the last of an atomic transaction.
func (h FrameHeader) IsCommit() bool {
	return h.SizeAfter != 0
}

// Frame is one page update: a header plus the new page contents. PageSize
// is fixed per database and is not itself part of the wire/disk encoding;
// it is implied by len(Page).
type Frame struct {
	FrameHeader
	Page []byte
}

// SegmentMagic is the 8-byte magic at the start of every segment file.
var SegmentMagic = [8]byte{'S', 'Q', 'L', 'D', 'W', 'A', 'L', 0}

// SegmentInfo describes one segment file, sealed or open, as tracked by the
// metadb index. Grounded on the teacher's types.SegmentInfo (BaseIndex,
// MinIndex, MaxIndex, SealTime, CreateTime, SizeLimit) generalized from
// raft log indices to libsql frame numbers.
type SegmentInfo struct {
	ID uint64 // monotonic segment id, assigned by the metadb

	DatabaseID [16]byte // identifies which database this segment belongs to

	StartFrameNo uint64 // first frame_no in the segment; 0 only for an empty new tail
	// EndFrameNo is the last frame_no in the segment once sealed; zero
	// while the segment is still open for appends.
	EndFrameNo uint64
	FrameCount uint64

	PageSize  uint32
	SizeLimit uint32 // max frames before rotation (max_segment_frames)

	CreateTime time.Time
	SealTime   time.Time // zero value means "not yet sealed"

	// IndexStart is the byte offset to this segment's on-disk frame index,
	// filled in once the segment is sealed.
	IndexStart uint32
}

// Sealed reports whether the segment has been rolled and finalized.
func (si SegmentInfo) Sealed() bool {
	return !si.SealTime.IsZero()
}

// SnapshotInfo describes a compacted snapshot file covering
// [StartFrameNo, EndFrameNo] with one entry per distinct page_no.
type SnapshotInfo struct {
	DatabaseID   [16]byte
	StartFrameNo uint64
	EndFrameNo   uint64
	FrameCount   uint64
	SizeAfter    uint32
	CreatedAt    time.Time
	Path         string
}

// ReplicaMeta is the fixed 48-byte per-database replica meta file
// (spec.md §3/§6): pre_commit_frame_no ‖ post_commit_frame_no ‖
// generation_id ‖ database_id.
type ReplicaMeta struct {
	PreCommitFrameNo  uint64
	PostCommitFrameNo uint64
	GenerationID      [16]byte
	DatabaseID        [16]byte
}

// NeedsRecovery reports the startup invariant from spec.md §3: if
// pre_commit != post_commit, partially injected frames must be discarded
// and replication resumed from post_commit+1.
func (m ReplicaMeta) NeedsRecovery() bool {
	return m.PreCommitFrameNo != m.PostCommitFrameNo
}

// SegmentBackupMeta is the per-uploaded-segment metadata kept by the
// backup tier; (Namespace, EndFrameNo) is the uniqueness key.
type SegmentBackupMeta struct {
	Namespace        string
	StartFrameNo     uint64
	EndFrameNo       uint64
	CreatedAt        time.Time
	SegmentTimestamp time.Time
	StorageKey       string
}
