// Package snapshot implements the snapshotter (spec.md §4.D): it rolls the
// oldest contiguous run of sealed segments not referenced by any active
// reader into a single compacted, page-deduplicated artifact, then updates
// the snapshot directory index so replicas falling behind the oldest
// retained segment can be served from it instead of NEED_SNAPSHOT. It is
// grounded on the teacher's rotation/seal machinery in walhook, generalized
// from "seal one segment" to "compact many segments into one snapshot".
package snapshot

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tursodatabase/libsql-sub009/frame"
	"github.com/tursodatabase/libsql-sub009/libsqlerr"
	"github.com/tursodatabase/libsql-sub009/types"
)

// Source is the capability the snapshotter needs from the primary's segment
// registry: the sealed segments eligible for compaction and a way to tell
// whether any is still referenced by an active reader.
type Source interface {
	// SealedSegments returns sealed segments in ascending start_frame_no
	// order, along with the SegmentReader to read each from.
	SealedSegments() ([]SealedSegment, error)
	// Referenced reports whether any active reader still holds segment id.
	Referenced(id uint64) bool
}

// SealedSegment pairs a sealed segment's metadata with a reader over it.
type SealedSegment struct {
	Info types.SegmentInfo
	R    types.SegmentReader
}

type metrics struct {
	snapshotsBuilt   prometheus.Counter
	pagesDeduped     prometheus.Counter
	lastSnapshotSize prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		snapshotsBuilt: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "snapshots_built",
			Help: "snapshots_built counts the number of snapshot files produced.",
		}),
		pagesDeduped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "snapshot_pages_deduped",
			Help: "snapshot_pages_deduped counts superseded page versions dropped during compaction.",
		}),
		lastSnapshotSize: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "last_snapshot_frame_count",
			Help: "last_snapshot_frame_count is the distinct page count of the most recently built snapshot.",
		}),
	}
}

// Snapshotter builds compacted snapshots from sealed segments on demand.
// One Snapshotter per database; not safe for concurrent Build calls (the
// owner serializes triggers the same way the primary serializes rotation).
type Snapshotter struct {
	dir      string
	dbID     [16]byte
	pageSize uint32

	reg     prometheus.Registerer
	metrics *metrics
	logger  log.Logger

	index *Index
}

// Option configures a Snapshotter at New time.
type Option func(*Snapshotter)

func WithLogger(l log.Logger) Option             { return func(s *Snapshotter) { s.logger = l } }
func WithRegisterer(r prometheus.Registerer) Option {
	return func(s *Snapshotter) { s.reg = r }
}

// New opens (creating if needed) the snapshot directory under dir/snapshots
// and loads its index.
func New(dir string, dbID [16]byte, pageSize uint32, opts ...Option) (*Snapshotter, error) {
	snapDir := filepath.Join(dir, "snapshots")
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		return nil, libsqlerr.Wrap(libsqlerr.KindConfig, "create snapshot directory", err)
	}
	s := &Snapshotter{dir: snapDir, dbID: dbID, pageSize: pageSize, logger: log.NewNopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = newMetrics(s.reg)

	idx, err := loadIndex(snapDir)
	if err != nil {
		return nil, err
	}
	s.index = idx
	return s, nil
}

// Threshold decides when Build should be triggered: segment count over the
// configured bound, or an explicit request (Force). Byte-threshold is left
// to the caller since segment sizes vary with page size and traffic.
type Threshold struct {
	MaxSealedSegments int
	Force             bool
}

// ShouldBuild reports whether the given count of sealed segments not yet
// covered by the newest snapshot crosses th.
func (th Threshold) ShouldBuild(sealedCount int) bool {
	return th.Force || (th.MaxSealedSegments > 0 && sealedCount >= th.MaxSealedSegments)
}

// Build selects the oldest contiguous prefix of sealed segments not
// referenced by any active reader, compacts them into one snapshot file,
// and durably publishes it to the index. It returns the SnapshotInfo, or
// (zero, nil) if there was nothing eligible to compact.
func (s *Snapshotter) Build(src Source) (types.SnapshotInfo, error) {
	segs, err := src.SealedSegments()
	if err != nil {
		return types.SnapshotInfo{}, err
	}

	sort.Slice(segs, func(i, j int) bool { return segs[i].Info.StartFrameNo < segs[j].Info.StartFrameNo })

	var selection []SealedSegment
	for _, seg := range segs {
		if src.Referenced(seg.Info.ID) {
			break
		}
		if len(selection) > 0 {
			prev := selection[len(selection)-1].Info
			if seg.Info.StartFrameNo != prev.EndFrameNo+1 {
				break
			}
		}
		selection = append(selection, seg)
	}
	if len(selection) == 0 {
		return types.SnapshotInfo{}, nil
	}

	first := selection[0].Info

	// Edge case (spec.md §4.D): if the selection's final frame is not a
	// commit frame, the snapshot cannot end there; trim the selection back
	// to its last commit frame instead of reaching outside the selected
	// segments for a later one (the primary will compact it next round).
	endFrameNo, sizeAfter, err := lastCommitBoundary(selection)
	if err != nil {
		return types.SnapshotInfo{}, err
	}
	if endFrameNo == 0 {
		return types.SnapshotInfo{}, nil // no commit boundary yet; nothing safe to snapshot
	}

	info := types.SnapshotInfo{
		DatabaseID:   s.dbID,
		StartFrameNo: first.StartFrameNo,
		EndFrameNo:   endFrameNo,
		SizeAfter:    sizeAfter,
		CreatedAt:    time.Now(),
	}

	path := filepath.Join(s.dir, fmt.Sprintf("snapshot-%020d-%020d.snap", info.StartFrameNo, info.EndFrameNo))
	info.Path = path

	frameCount, deduped, err := writeSnapshotFile(path, info, int(s.pageSize), selection)
	if err != nil {
		return types.SnapshotInfo{}, err
	}
	info.FrameCount = frameCount

	if err := s.index.publish(info); err != nil {
		return types.SnapshotInfo{}, err
	}

	s.metrics.snapshotsBuilt.Inc()
	s.metrics.pagesDeduped.Add(float64(deduped))
	s.metrics.lastSnapshotSize.Set(float64(frameCount))
	level.Info(s.logger).Log("msg", "snapshot built", "start", info.StartFrameNo, "end", info.EndFrameNo, "frames", frameCount)
	return info, nil
}

// lastCommitBoundary scans the selection newest-first for the last frame
// whose SizeAfter != 0, returning its frame_no and size_after.
func lastCommitBoundary(selection []SealedSegment) (uint64, uint32, error) {
	for i := len(selection) - 1; i >= 0; i-- {
		seg := selection[i]
		var endNo uint64
		var sizeAfter uint32
		err := seg.R.(interface {
			IterFrames(from uint64, prevChecksum uint64, fn func(types.Frame) error) error
		}).IterFrames(seg.Info.StartFrameNo, 0, func(f types.Frame) error {
			if f.IsCommit() {
				endNo = f.FrameNo
				sizeAfter = f.SizeAfter
			}
			return nil
		})
		if err != nil {
			return 0, 0, err
		}
		if endNo != 0 {
			return endNo, sizeAfter, nil
		}
	}
	return 0, 0, nil
}

// writeSnapshotFile collects every frame across the selection, keeps only
// the newest occurrence of each page_no (spec.md §3 "Snapshot file"), and
// writes the kept frames in ascending frame_no order with checksums
// re-chained from zero. The kept set is a genuine subset of the primary's
// log: a dropped page's superseding frame may be far later than the
// frame it replaced, so the kept frame_no sequence routinely has interior
// gaps, and each kept frame's original checksum chains against a
// predecessor this snapshot may not even retain. Re-chaining makes the
// artifact verifiable in isolation by a replica applying it as one batch
// (injector.InjectSnapshot), instead of against the primary's full,
// un-deduplicated log.
func writeSnapshotFile(path string, info types.SnapshotInfo, pageSize int, selection []SealedSegment) (frameCount uint64, deduped int, err error) {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, 0, libsqlerr.Wrap(libsqlerr.KindIO, "create snapshot temp file", err)
	}
	defer f.Close()

	if _, err := f.WriteAt(encodeSnapshotHeader(info), 0); err != nil {
		return 0, 0, libsqlerr.Wrap(libsqlerr.KindIO, "write snapshot header", err)
	}

	latest := make(map[uint32]types.Frame)
	for _, seg := range selection {
		err := seg.R.(interface {
			IterFrames(from uint64, prevChecksum uint64, fn func(types.Frame) error) error
		}).IterFrames(seg.Info.StartFrameNo, 0, func(fr types.Frame) error {
			if fr.FrameNo > info.EndFrameNo {
				return nil
			}
			if cur, ok := latest[fr.PageNo]; !ok || fr.FrameNo > cur.FrameNo {
				if ok {
					deduped++
				}
				latest[fr.PageNo] = fr
			} else {
				deduped++
			}
			return nil
		})
		if err != nil {
			return 0, 0, err
		}
	}

	kept := make([]types.Frame, 0, len(latest))
	for _, fr := range latest {
		kept = append(kept, fr)
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].FrameNo < kept[j].FrameNo })

	offset := int64(SnapshotHeaderSize)
	scratch := make([]byte, 0, frame.EncodedSize(pageSize))
	var chain uint64
	for _, fr := range kept {
		fr.Checksum = frame.RollChecksum(chain, fr.FrameHeader, fr.Page)
		chain = fr.Checksum
		scratch = frame.Encode(fr.FrameHeader, fr.Page, scratch)
		if _, err := f.WriteAt(scratch, offset); err != nil {
			return 0, 0, libsqlerr.Wrap(libsqlerr.KindIO, "write snapshot frame", err)
		}
		offset += int64(len(scratch))
		frameCount++
	}

	if err := f.Sync(); err != nil {
		return 0, 0, libsqlerr.Wrap(libsqlerr.KindIO, "fsync snapshot temp file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, 0, libsqlerr.Wrap(libsqlerr.KindIO, "rename snapshot into place", err)
	}
	return frameCount, deduped, nil
}

// SnapshotHeaderSize is the fixed snapshot file header size (spec.md §6):
// db_id(16) + start_frame_no(8) + end_frame_no(8) + frame_count(8) +
// size_after(4) + pad(4).
const SnapshotHeaderSize = 16 + 8 + 8 + 8 + 4 + 4

func encodeSnapshotHeader(info types.SnapshotInfo) []byte {
	b := make([]byte, SnapshotHeaderSize)
	copy(b[0:16], info.DatabaseID[:])
	binary.LittleEndian.PutUint64(b[16:24], info.StartFrameNo)
	binary.LittleEndian.PutUint64(b[24:32], info.EndFrameNo)
	binary.LittleEndian.PutUint64(b[32:40], info.FrameCount)
	binary.LittleEndian.PutUint32(b[40:44], info.SizeAfter)
	return b
}

func decodeSnapshotHeader(b []byte) (types.SnapshotInfo, error) {
	if len(b) < SnapshotHeaderSize {
		return types.SnapshotInfo{}, libsqlerr.New(libsqlerr.KindCorruptSegment, "short snapshot header")
	}
	var info types.SnapshotInfo
	copy(info.DatabaseID[:], b[0:16])
	info.StartFrameNo = binary.LittleEndian.Uint64(b[16:24])
	info.EndFrameNo = binary.LittleEndian.Uint64(b[24:32])
	info.FrameCount = binary.LittleEndian.Uint64(b[32:40])
	info.SizeAfter = binary.LittleEndian.Uint32(b[40:44])
	return info, nil
}
