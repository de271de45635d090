//go:build unix

package storage

import (
	"os"

	"golang.org/x/sys/unix"
)

// preadFull reads until p is full or EOF and returns the bytes read.
func preadFull(f *os.File, p []byte, off int64) (int, error) {
	fd := int(f.Fd())
	total := 0
	for total < len(p) {
		n, err := unix.Pread(fd, p[total:], off+int64(total))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
		total += n
	}
	return total, nil
}

func pwriteFull(f *os.File, p []byte, off int64) error {
	fd := int(f.Fd())
	return writeFull(func(b []byte, at int64) (int, error) {
		for {
			n, err := unix.Pwrite(fd, b, at)
			if err != unix.EINTR {
				return n, err
			}
		}
	}, p, off)
}

func syncFile(f *os.File) error {
	for {
		err := unix.Fsync(int(f.Fd()))
		if err != unix.EINTR {
			return err
		}
	}
}
