package client

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tursodatabase/libsql-sub009/libsqlerr"
	"github.com/tursodatabase/libsql-sub009/types"
)

type fakeStream struct {
	frames []types.Frame
	pos    int
	err    error
}

func (s *fakeStream) Next(ctx context.Context) (types.Frame, error) {
	if s.pos >= len(s.frames) {
		if s.err != nil {
			return types.Frame{}, s.err
		}
		return types.Frame{}, io.EOF
	}
	f := s.frames[s.pos]
	s.pos++
	return f, nil
}
func (s *fakeStream) Close() error { return nil }

type fakeSource struct {
	hello      types.HelloResponse
	helloErr   error
	logStream  *fakeStream
	needSnap   bool
	snapStream types.FrameStream
}

func (f *fakeSource) Hello(ctx context.Context) (types.HelloResponse, error) { return f.hello, f.helloErr }
func (f *fakeSource) LogEntries(ctx context.Context, from uint64) (types.FrameStream, error) {
	if f.needSnap {
		return nil, libsqlerr.ErrNeedSnapshot
	}
	return f.logStream, nil
}
func (f *fakeSource) Snapshot(ctx context.Context, from uint64) (types.FrameStream, error) {
	return f.snapStream, nil
}

type fakeInjector struct {
	meta        types.ReplicaMeta
	applied     []uint64
	snapApplied []uint64
	rollback    int
	adoptErr    error
}

func (i *fakeInjector) Inject(ctx context.Context, f types.Frame) error {
	i.applied = append(i.applied, f.FrameNo)
	i.meta.PreCommitFrameNo = f.FrameNo
	if f.IsCommit() {
		i.meta.PostCommitFrameNo = f.FrameNo
	}
	return nil
}
func (i *fakeInjector) InjectSnapshot(frames []types.Frame) error {
	for _, f := range frames {
		i.snapApplied = append(i.snapApplied, f.FrameNo)
	}
	if len(frames) > 0 {
		last := frames[len(frames)-1].FrameNo
		i.meta.PreCommitFrameNo = last
		i.meta.PostCommitFrameNo = last
	}
	return nil
}
func (i *fakeInjector) Rollback() error                       { i.rollback++; return nil }
func (i *fakeInjector) Meta() types.ReplicaMeta                { return i.meta }
func (i *fakeInjector) AdoptHello(h types.HelloResponse) error { return i.adoptErr }

// fakeBatchStream additionally exposes Batch, exercising client.snapshotOnce's
// batched path for a deduplicated, non-contiguous snapshot frame set.
type fakeBatchStream struct {
	fakeStream
	batch    []types.Frame
	consumed bool
}

func (s *fakeBatchStream) Batch() []types.Frame {
	if s.consumed {
		return nil
	}
	s.consumed = true
	return s.batch
}

func mkFrame(no uint64, commit bool) types.Frame {
	h := types.FrameHeader{FrameNo: no}
	if commit {
		h.SizeAfter = uint32(no)
	}
	return types.Frame{FrameHeader: h, Page: make([]byte, 8)}
}

func TestHandshakeThenReplicateAppliesFrames(t *testing.T) {
	src := &fakeSource{
		hello: types.HelloResponse{DatabaseID: [16]byte{1}},
		logStream: &fakeStream{frames: []types.Frame{
			mkFrame(1, false), mkFrame(2, false), mkFrame(3, true),
		}},
	}
	inj := &fakeInjector{}
	c := New(src, inj)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = c.Run(ctx)

	require.Equal(t, []uint64{1, 2, 3}, inj.applied)
	require.Equal(t, uint64(3), inj.meta.PostCommitFrameNo)
}

func TestFatalGenerationMismatchStopsClient(t *testing.T) {
	src := &fakeSource{hello: types.HelloResponse{}}
	inj := &fakeInjector{adoptErr: libsqlerr.ErrGenerationMismatch}
	c := New(src, inj)

	err := c.Run(context.Background())
	require.ErrorIs(t, err, libsqlerr.ErrGenerationMismatch)
	require.Equal(t, StateClosed, c.State())
}

func TestNeedSnapshotTransitionsToSnapshotting(t *testing.T) {
	src := &fakeSource{
		hello:      types.HelloResponse{},
		needSnap:   true,
		snapStream: &fakeStream{frames: []types.Frame{mkFrame(1, true)}},
	}
	inj := &fakeInjector{}
	c := New(src, inj)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = c.Run(ctx)

	require.Contains(t, inj.applied, uint64(1))
}

func TestSnapshotOnceAppliesBatchThenTailFrames(t *testing.T) {
	src := &fakeSource{
		hello:    types.HelloResponse{},
		needSnap: true,
		snapStream: &fakeBatchStream{
			// a deduplicated batch with a gap at frame_no 3
			batch:      []types.Frame{mkFrame(2, false), mkFrame(4, false), mkFrame(5, true)},
			fakeStream: fakeStream{frames: []types.Frame{mkFrame(6, true)}},
		},
	}
	inj := &fakeInjector{}
	c := New(src, inj)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = c.Run(ctx)

	require.Equal(t, []uint64{2, 4, 5}, inj.snapApplied)
	require.Contains(t, inj.applied, uint64(6))
	require.Equal(t, uint64(6), inj.meta.PostCommitFrameNo)
}
