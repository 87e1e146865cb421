package injector

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tursodatabase/libsql-sub009/types"
)

func TestFileMetaStoreRoundTrips(t *testing.T) {
	dir := t.TempDir()
	store := NewFileMetaStore(dir)

	m, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, types.ReplicaMeta{}, m)

	want := types.ReplicaMeta{
		PreCommitFrameNo:  42,
		PostCommitFrameNo: 42,
		GenerationID:      [16]byte{1, 2, 3},
		DatabaseID:        [16]byte{9, 9, 9},
	}
	require.NoError(t, store.Save(want))

	got, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestFileMetaStoreDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	store := NewFileMetaStore(dir)
	require.NoError(t, store.Save(types.ReplicaMeta{PreCommitFrameNo: 1, PostCommitFrameNo: 1}))

	raw, err := os.ReadFile(store.path)
	require.NoError(t, err)
	raw[0] ^= 0xff
	require.NoError(t, os.WriteFile(store.path, raw, 0o644))

	_, err = store.Load()
	require.Error(t, err)
}
