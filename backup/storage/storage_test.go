package storage

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tursodatabase/libsql-sub009/types"
)

func TestFilesystemStoreAndFetch(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFilesystem(dir)
	require.NoError(t, err)

	ctx := context.Background()
	meta := types.SegmentBackupMeta{Namespace: "ns1", StartFrameNo: 1, EndFrameNo: 100, CreatedAt: time.Now()}
	require.NoError(t, fs.Store(ctx, meta, bytes.NewReader([]byte("segment-bytes"))))

	var out bytes.Buffer
	require.NoError(t, fs.FetchSegment(ctx, "ns1", 50, &out))
	require.Equal(t, "segment-bytes", out.String())
}

func TestFilesystemStoreIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFilesystem(dir)
	require.NoError(t, err)

	ctx := context.Background()
	meta := types.SegmentBackupMeta{Namespace: "ns1", StartFrameNo: 1, EndFrameNo: 100}
	require.NoError(t, fs.Store(ctx, meta, bytes.NewReader([]byte("abc"))))
	require.NoError(t, fs.Store(ctx, meta, bytes.NewReader([]byte("abc"))))

	err = fs.Store(ctx, meta, bytes.NewReader([]byte("different")))
	require.Error(t, err)
}

func TestFilesystemMetaAndRestore(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFilesystem(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, fs.Store(ctx, types.SegmentBackupMeta{Namespace: "ns1", StartFrameNo: 1, EndFrameNo: 10, CreatedAt: time.Now()}, bytes.NewReader([]byte("a"))))
	require.NoError(t, fs.Store(ctx, types.SegmentBackupMeta{Namespace: "ns1", StartFrameNo: 11, EndFrameNo: 20, CreatedAt: time.Now()}, bytes.NewReader([]byte("b"))))

	m, err := fs.Meta(ctx, "ns1")
	require.NoError(t, err)
	require.Equal(t, uint64(20), m.MaxFrameNo)

	var out bytes.Buffer
	end, err := fs.Restore(ctx, "ns1", nil, &out)
	require.NoError(t, err)
	require.Equal(t, uint64(20), end)
	require.Equal(t, "ab", out.String())
}
