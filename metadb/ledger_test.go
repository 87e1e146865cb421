package metadb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBoltLedgerRoundTrips(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	require.NoError(t, err)
	defer m.Close()

	l, err := OpenLedger(m.DB())
	require.NoError(t, err)

	n, err := l.DurableFrameNo("ns")
	require.NoError(t, err)
	require.Equal(t, uint64(0), n)

	require.NoError(t, l.SetDurableFrameNo("ns", 123))
	n, err = l.DurableFrameNo("ns")
	require.NoError(t, err)
	require.Equal(t, uint64(123), n)
}
