//go:build unix

package dataset

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// mapFile maps path read-only. If mmap is unavailable it falls back to
// reading the file. release unmaps the data.
func mapFile(path string) (data []byte, release func() error, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	size64 := stat.Size()
	if size64 > int64(int(^uint(0)>>1)) {
		return nil, nil, ErrTruncated
	}
	size := int(size64)
	if size == 0 {
		return nil, func() error { return nil }, nil
	}

	data, err = unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		return data, func() error { return unix.Munmap(data) }, nil
	}

	data = make([]byte, size)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, nil, err
	}
	return data, func() error { return nil }, nil
}
