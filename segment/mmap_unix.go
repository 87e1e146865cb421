//go:build unix || linux || darwin || freebsd || openbsd || netbsd

package segment

import (
	"io"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/tursodatabase/libsql-sub009/libsqlerr"
)

// mmapRegion is a read-only memory mapping of a sealed segment file,
// grounded on the mmap pattern used elsewhere in the pack (pager.MmapFile)
// but read-only and advised MADV_RANDOM since frame lookups by frame_no
// are not sequential scans.
type mmapRegion struct {
	f    *os.File
	data []byte
}

func openMmap(path string) (*mmapRegion, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, libsqlerr.Wrap(libsqlerr.KindIO, "open sealed segment", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, libsqlerr.Wrap(libsqlerr.KindIO, "stat sealed segment", err)
	}
	if st.Size() == 0 {
		f.Close()
		return nil, libsqlerr.New(libsqlerr.KindCorruptSegment, "empty segment file")
	}
	data, err := syscall.Mmap(int(f.Fd()), 0, int(st.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, libsqlerr.Wrap(libsqlerr.KindIO, "mmap sealed segment", err)
	}
	_ = unix.Madvise(data, unix.MADV_RANDOM)
	return &mmapRegion{f: f, data: data}, nil
}

func (m *mmapRegion) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *mmapRegion) Close() error {
	var firstErr error
	if m.data != nil {
		if err := syscall.Munmap(m.data); err != nil {
			firstErr = err
		}
		m.data = nil
	}
	if err := m.f.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
