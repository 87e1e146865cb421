package walhook

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tursodatabase/libsql-sub009/metadb"
	"github.com/tursodatabase/libsql-sub009/segment"
)

func openTestWriter(t *testing.T, maxSegmentFrames uint64) (*LogWriter, string) {
	t.Helper()
	dir := t.TempDir()
	sf, err := segment.NewFileFiler(dir, maxSegmentFrames, 0)
	require.NoError(t, err)
	mdb, err := metadb.Open(dir)
	require.NoError(t, err)

	w, err := Open(dir, [16]byte{1}, 16, sf, mdb, WithMaxSegmentFrames(maxSegmentFrames))
	require.NoError(t, err)
	return w, dir
}

func TestFramesAssignsAndCommits(t *testing.T) {
	w, _ := openTestWriter(t, 0)
	defer w.Close()

	err := w.Frames([]PageUpdate{{PageNo: 1, Data: make([]byte, 16)}, {PageNo: 2, Data: make([]byte, 16)}}, 2, true)
	require.NoError(t, err)
	require.Equal(t, uint64(2), w.LastFrameNo())
	require.Equal(t, uint64(2), w.LastCommittedFrameNo())
}

func TestFramesNonCommitDoesNotAdvanceCommitIndex(t *testing.T) {
	w, _ := openTestWriter(t, 0)
	defer w.Close()

	require.NoError(t, w.Frames([]PageUpdate{{PageNo: 1, Data: make([]byte, 16)}}, 0, false))
	require.Equal(t, uint64(1), w.LastFrameNo())
	require.Equal(t, uint64(0), w.LastCommittedFrameNo())

	require.NoError(t, w.Frames([]PageUpdate{{PageNo: 2, Data: make([]byte, 16)}}, 2, true))
	require.Equal(t, uint64(2), w.LastCommittedFrameNo())
}

func TestWaitForFrameUnblocksOnCommit(t *testing.T) {
	w, _ := openTestWriter(t, 0)
	defer w.Close()

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- w.WaitForFrame(ctx, 3)
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, w.Frames([]PageUpdate{
		{PageNo: 1, Data: make([]byte, 16)},
		{PageNo: 2, Data: make([]byte, 16)},
		{PageNo: 3, Data: make([]byte, 16)},
	}, 3, true))

	require.NoError(t, <-done)
}

func TestWaitForFrameRespectsContextCancellation(t *testing.T) {
	w, _ := openTestWriter(t, 0)
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := w.WaitForFrame(ctx, 100)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCheckpointAlwaysRejected(t *testing.T) {
	w, _ := openTestWriter(t, 0)
	defer w.Close()
	require.Error(t, w.Checkpoint())
}

func TestSegmentRotatesAtFrameThreshold(t *testing.T) {
	w, _ := openTestWriter(t, 2)
	defer w.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, w.Frames([]PageUpdate{{PageNo: uint32(i), Data: make([]byte, 16)}}, uint32(i+1), true))
	}
	// Give the background rotation goroutine a moment; Frames already
	// blocks the next Append until rotation completes so this should be
	// immediate, but a short poll keeps the test robust.
	require.Eventually(t, func() bool {
		return w.LastFrameNo() == 5
	}, time.Second, time.Millisecond)

	s, release := w.acquireState()
	defer release()
	require.GreaterOrEqual(t, s.segments.Len(), 2)
}

func TestRecoversAfterRestart(t *testing.T) {
	dir := t.TempDir()
	sf, err := segment.NewFileFiler(dir, 0, 0)
	require.NoError(t, err)
	mdb, err := metadb.Open(dir)
	require.NoError(t, err)

	w, err := Open(dir, [16]byte{2}, 16, sf, mdb)
	require.NoError(t, err)
	require.NoError(t, w.Frames([]PageUpdate{{PageNo: 1, Data: make([]byte, 16)}}, 1, true))
	require.NoError(t, w.Close())

	sf2, err := segment.NewFileFiler(dir, 0, 0)
	require.NoError(t, err)
	mdb2, err := metadb.Open(dir)
	require.NoError(t, err)
	w2, err := Open(dir, [16]byte{2}, 16, sf2, mdb2)
	require.NoError(t, err)
	defer w2.Close()

	require.Equal(t, uint64(1), w2.LastCommittedFrameNo())
	require.NoError(t, w2.Frames([]PageUpdate{{PageNo: 2, Data: make([]byte, 16)}}, 2, true))
	require.Equal(t, uint64(2), w2.LastCommittedFrameNo())
}
