//go:build !unix

package storage

import (
	"errors"
	"io"
	"os"
)

func preadFull(f *os.File, p []byte, off int64) (int, error) {
	n, err := f.ReadAt(p, off)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

func pwriteFull(f *os.File, p []byte, off int64) error {
	return writeFull(f.WriteAt, p, off)
}

func syncFile(f *os.File) error { return f.Sync() }
