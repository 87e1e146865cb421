package snapshot

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tursodatabase/libsql-sub009/frame"
	"github.com/tursodatabase/libsql-sub009/segment"
	"github.com/tursodatabase/libsql-sub009/types"
)

// fakeSource implements Source over an in-memory list of sealed segments,
// all unreferenced, for testing Build in isolation from walhook.
type fakeSource struct {
	segs []SealedSegment
}

func (f *fakeSource) SealedSegments() ([]SealedSegment, error) { return f.segs, nil }
func (f *fakeSource) Referenced(id uint64) bool                { return false }

func sealedSegmentFromFrames(t *testing.T, dir string, id, startFrameNo uint64, frames []types.Frame) SealedSegment {
	t.Helper()
	info := types.SegmentInfo{ID: id, StartFrameNo: startFrameNo, PageSize: 16}
	ff, err := segment.NewFileFiler(dir, 0, 0)
	require.NoError(t, err)
	w, err := ff.Create(info)
	require.NoError(t, err)
	require.NoError(t, w.Append(frames))
	sealed, ok := w.(interface{ Seal() (types.SegmentInfo, error) })
	require.True(t, ok)
	sealedInfo, err := sealed.Seal()
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := ff.Open(sealedInfo)
	require.NoError(t, err)
	return SealedSegment{Info: sealedInfo, R: r}
}

func makeFrame(frameNo uint64, pageNo uint32, sizeAfter uint32, prevCk uint64) types.Frame {
	h := types.FrameHeader{FrameNo: frameNo, PageNo: pageNo, SizeAfter: sizeAfter}
	page := make([]byte, 16)
	page[0] = byte(frameNo)
	h.Checksum = frame.RollChecksum(prevCk, h, page)
	return types.Frame{FrameHeader: h, Page: page}
}

func TestBuildDedupesByPageNo(t *testing.T) {
	dir := t.TempDir()

	// segment 1: frames 1 (page 1), 2 (page 2, commit)
	f1 := makeFrame(1, 1, 0, 0)
	f2 := makeFrame(2, 2, 2, f1.Checksum)
	seg1 := sealedSegmentFromFrames(t, dir, 1, 1, []types.Frame{f1, f2})

	// segment 2: frames 3 (page 1 again, supersedes), 4 (page 3, commit)
	f3 := makeFrame(3, 1, 0, f2.Checksum)
	f4 := makeFrame(4, 3, 2, f3.Checksum)
	seg2 := sealedSegmentFromFrames(t, dir, 2, 3, []types.Frame{f3, f4})

	s, err := New(dir, [16]byte{9}, 16)
	require.NoError(t, err)

	info, err := s.Build(&fakeSource{segs: []SealedSegment{seg1, seg2}})
	require.NoError(t, err)
	require.Equal(t, uint64(1), info.StartFrameNo)
	require.Equal(t, uint64(4), info.EndFrameNo)
	// page 1 deduped to its newest version (frame 3), plus page 2 and page 3.
	require.Equal(t, uint64(3), info.FrameCount)

	latest, ok := s.Index().Latest(1)
	require.True(t, ok)
	require.Equal(t, info.Path, latest.Path)
}

func TestBuildProducesNonContiguousSelfVerifyingChain(t *testing.T) {
	dir := t.TempDir()

	// page 1 is rewritten twice (frames 1, 3, 5); only frame 5 survives
	// dedup, leaving the kept frame_no sequence 2, 4, 5, 6 with a gap at 3
	// and 1 — the case the injector's dense +1 check cannot handle and
	// InjectSnapshot must instead.
	f1 := makeFrame(1, 1, 0, 0)
	f2 := makeFrame(2, 2, 0, f1.Checksum)
	f3 := makeFrame(3, 1, 0, f2.Checksum)
	f4 := makeFrame(4, 3, 0, f3.Checksum)
	f5 := makeFrame(5, 1, 0, f4.Checksum)
	f6 := makeFrame(6, 4, 2, f5.Checksum)
	seg := sealedSegmentFromFrames(t, dir, 1, 1, []types.Frame{f1, f2, f3, f4, f5, f6})

	s, err := New(dir, [16]byte{9}, 16)
	require.NoError(t, err)

	info, err := s.Build(&fakeSource{segs: []SealedSegment{seg}})
	require.NoError(t, err)
	require.Equal(t, uint64(4), info.FrameCount) // pages 2,3,1(v2),4 kept

	frames, err := ReadFrames(info)
	require.NoError(t, err)
	require.Len(t, frames, 4)

	var frameNos []uint64
	for _, fr := range frames {
		frameNos = append(frameNos, fr.FrameNo)
	}
	require.Equal(t, []uint64{2, 4, 5, 6}, frameNos)

	// The artifact must verify as a single chain rooted at zero, without
	// reference to the original primary-log predecessors that dedup
	// dropped (frame 4's true predecessor was frame 3, not frame 2).
	var chain uint64
	for _, fr := range frames {
		require.True(t, frame.VerifyChain(chain, fr.FrameHeader, fr.Page))
		chain = fr.Checksum
	}
	require.True(t, frames[len(frames)-1].IsCommit())
}

func TestBuildSkipsReferencedSegments(t *testing.T) {
	dir := t.TempDir()
	f1 := makeFrame(1, 1, 1, 0)
	seg1 := sealedSegmentFromFrames(t, dir, 1, 1, []types.Frame{f1})

	s, err := New(dir, [16]byte{9}, 16)
	require.NoError(t, err)

	info, err := s.Build(&refSource{segs: []SealedSegment{seg1}, refed: map[uint64]bool{1: true}})
	require.NoError(t, err)
	require.Equal(t, types.SnapshotInfo{}, info)
}

type refSource struct {
	segs  []SealedSegment
	refed map[uint64]bool
}

func (r *refSource) SealedSegments() ([]SealedSegment, error) { return r.segs, nil }
func (r *refSource) Referenced(id uint64) bool                { return r.refed[id] }

func TestThresholdShouldBuild(t *testing.T) {
	th := Threshold{MaxSealedSegments: 3}
	require.False(t, th.ShouldBuild(2))
	require.True(t, th.ShouldBuild(3))
	require.True(t, Threshold{Force: true}.ShouldBuild(0))
}
