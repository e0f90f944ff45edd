//go:build unix

package mailbox

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func mapFile(path string, size int, create bool) ([]byte, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE | os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("mailbox: open %s: %w", path, err)
	}
	defer f.Close()

	if create {
		if err := f.Truncate(int64(size)); err != nil {
			_ = os.Remove(path)
			return nil, fmt.Errorf("mailbox: size %s: %w", path, err)
		}
	} else {
		st, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("mailbox: stat %s: %w", path, err)
		}
		if st.Size() != int64(size) {
			return nil, fmt.Errorf("%w: file=%d negotiated=%d", ErrSizeMismatch, st.Size(), size)
		}
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		if create {
			_ = os.Remove(path)
		}
		return nil, fmt.Errorf("mailbox: mmap %s: %w", path, err)
	}
	return mem, nil
}

func unmapFile(mem []byte) error {
	return unix.Munmap(mem)
}
