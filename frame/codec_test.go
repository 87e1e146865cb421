package frame

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tursodatabase/libsql-sub009/types"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	page := make([]byte, 4096)
	for i := range page {
		page[i] = byte(i)
	}
	h := types.FrameHeader{FrameNo: 7, PageNo: 3, SizeAfter: 10}
	h.Checksum = RollChecksum(0, h, page)

	buf := Encode(h, page, nil)
	require.Len(t, buf, EncodedSize(len(page)))

	got, err := Decode(buf, len(page))
	require.NoError(t, err)
	require.Equal(t, h, got.FrameHeader)
	require.Equal(t, page, got.Page)
}

func TestDecodeWrongLength(t *testing.T) {
	_, err := Decode(make([]byte, 10), 4096)
	require.Error(t, err)
}

func TestRollChecksumChains(t *testing.T) {
	page1 := []byte("page one contents")
	page2 := []byte("page two contents")

	h1 := types.FrameHeader{FrameNo: 1, PageNo: 1, SizeAfter: 0}
	c1 := RollChecksum(0, h1, page1)
	h1.Checksum = c1

	h2 := types.FrameHeader{FrameNo: 2, PageNo: 2, SizeAfter: 2}
	c2 := RollChecksum(c1, h2, page2)
	h2.Checksum = c2

	require.True(t, VerifyChain(0, h1, page1))
	require.True(t, VerifyChain(c1, h2, page2))

	// Tampering with the previous checksum breaks the chain for frame 2.
	require.False(t, VerifyChain(c1+1, h2, page2))
	// Tampering with the page breaks the chain too.
	tampered := append([]byte(nil), page2...)
	tampered[0] ^= 0xFF
	require.False(t, VerifyChain(c1, h2, tampered))
}

func TestRollChecksumDeterministic(t *testing.T) {
	page := []byte("deterministic")
	h := types.FrameHeader{FrameNo: 42, PageNo: 9, SizeAfter: 0}
	a := RollChecksum(123, h, page)
	b := RollChecksum(123, h, page)
	require.Equal(t, a, b)
}
