package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRequiresDBPath(t *testing.T) {
	_, err := New()
	require.Error(t, err)
}

func TestNewAppliesOptions(t *testing.T) {
	c, err := New(WithDBPath("/var/lib/libsql/db"), WithMaxSegmentFrames(1024))
	require.NoError(t, err)
	require.Equal(t, uint64(1024), c.MaxSegmentFrames)
	require.False(t, c.IsReplica())
}

func TestPrimaryURLMarksReplica(t *testing.T) {
	c, err := New(WithDBPath("/tmp/db"), WithPrimaryURL("https://primary.example.com:8080"))
	require.NoError(t, err)
	require.True(t, c.IsReplica())
}

func TestInvalidBackupBackendRejected(t *testing.T) {
	_, err := New(WithDBPath("/tmp/db"), WithBackupConfig(BackupConfig{Backend: "ftp", Root: "x"}))
	require.Error(t, err)
}

func TestBackupBackendRequiresRoot(t *testing.T) {
	_, err := New(WithDBPath("/tmp/db"), WithBackupConfig(BackupConfig{Backend: "s3"}))
	require.Error(t, err)
}
