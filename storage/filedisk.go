package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
)

// FileDisk is a Device backed by one image file per device id. Files are
// sparse: blocks past the end of a file read as zeros and writes extend it.
type FileDisk struct {
	blockSize int
	nblocks   uint32

	// mu is held shared across every I/O so Close cannot close a file in use.
	mu     sync.RWMutex
	files  map[uint32]*os.File
	closed bool
}

// OpenFileDisk opens (creating if needed) the image file of every device in
// paths. Each device holds nblocks blocks of blockSize bytes.
func OpenFileDisk(blockSize int, nblocks uint32, paths map[uint32]string) (*FileDisk, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("storage: invalid block size %d", blockSize)
	}
	d := &FileDisk{
		blockSize: blockSize,
		nblocks:   nblocks,
		files:     make(map[uint32]*os.File, len(paths)),
	}
	for dev, path := range paths {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644) //nolint:gosec // caller-controlled path
		if err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("storage: open device %d: %w", dev, err)
		}
		d.files[dev] = f
	}
	return d, nil
}

// ReadWriteBlock implements Device.
func (d *FileDisk) ReadWriteBlock(dev, blockno uint32, data []byte, write bool) error {
	if len(data) != d.blockSize {
		return fmt.Errorf("%w: got %d, want %d", ErrBadSize, len(data), d.blockSize)
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	f := d.files[dev]
	if f == nil || blockno >= d.nblocks {
		return fmt.Errorf("%w: %d/%d", ErrOutOfRange, dev, blockno)
	}

	off := int64(blockno) * int64(d.blockSize)
	if write {
		if err := pwriteFull(f, data, off); err != nil {
			return fmt.Errorf("storage: write %d/%d: %w", dev, blockno, err)
		}
		return nil
	}
	n, err := preadFull(f, data, off)
	if err != nil {
		return fmt.Errorf("storage: read %d/%d: %w", dev, blockno, err)
	}
	clear(data[n:]) // past EOF
	return nil
}

// Sync flushes every device file to stable storage.
func (d *FileDisk) Sync() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var errs []error
	for dev, f := range d.files {
		if err := syncFile(f); err != nil {
			errs = append(errs, fmt.Errorf("storage: sync device %d: %w", dev, err))
		}
	}
	return errors.Join(errs...)
}

// Devices returns the configured device ids in ascending order.
func (d *FileDisk) Devices() []uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]uint32, 0, len(d.files))
	for dev := range d.files {
		out = append(out, dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close waits for in-flight I/O and closes every device file. Later calls to
// ReadWriteBlock return ErrClosed.
func (d *FileDisk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	var errs []error
	for dev, f := range d.files {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage: close device %d: %w", dev, err))
		}
		delete(d.files, dev)
	}
	return errors.Join(errs...)
}

// writeFull calls write until p is written, retrying partial writes. A write
// that makes no progress without an error is reported as io.ErrShortWrite.
func writeFull(write func(p []byte, off int64) (int, error), p []byte, off int64) error {
	for len(p) > 0 {
		n, err := write(p, off)
		if err != nil {
			return err
		}
		if n <= 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
		off += int64(n)
	}
	return nil
}
