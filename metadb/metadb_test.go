package metadb

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tursodatabase/libsql-sub009/types"
)

func TestLoadEmptyGivesDefaults(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	require.NoError(t, err)
	defer m.Close()

	st, err := m.Load()
	require.NoError(t, err)
	require.Equal(t, uint64(1), st.NextSegmentID)
	require.Empty(t, st.Segments)
}

func TestCommitAndReload(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	require.NoError(t, err)

	want := types.PersistentState{
		NextSegmentID: 3,
		Segments: []types.SegmentInfo{
			{ID: 1, StartFrameNo: 1, EndFrameNo: 10, FrameCount: 10},
			{ID: 2, StartFrameNo: 11},
		},
	}
	require.NoError(t, m.CommitState(want))
	require.NoError(t, m.Close())

	m2, err := Open(dir)
	require.NoError(t, err)
	defer m2.Close()

	got, err := m2.Load()
	require.NoError(t, err)
	require.Equal(t, want, got)
}
