package storage

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"github.com/klauspost/compress/zstd"
	"github.com/natefinch/atomic"
)

// Image layout (inside a zstd stream, little endian):
//
//	magic u32 | version u32 | blockSize u32 | nblocks u32 | ndev u32
//	per device: dev u32 | count u32 | count × (blockno u32 | block bytes)
//
// Only blocks that were ever written are stored.
const (
	imageMagic   = 0x42434947 // "BCIG"
	imageVersion = 1

	// maxSizeHint caps map preallocation from header counts; the stream
	// itself must still supply every entry.
	maxSizeHint = 1024
)

// ErrBadImage is returned by Restore for a stream that is not a MemDisk image
// or does not match the disk geometry.
var ErrBadImage = errors.New("storage: bad image")

// Snapshot writes a compressed image of every written block to w.
func (d *MemDisk) Snapshot(w io.Writer) error {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("storage: snapshot: %w", err)
	}
	bw := bufio.NewWriter(enc)

	d.mu.RLock()
	err = d.writeImage(bw)
	d.mu.RUnlock()
	if err == nil {
		err = bw.Flush()
	}
	if cerr := enc.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("storage: snapshot: %w", err)
	}
	return nil
}

// writeImage serializes the disk. d.mu must be held.
func (d *MemDisk) writeImage(w io.Writer) error {
	hdr := []uint32{imageMagic, imageVersion, uint32(d.blockSize), d.nblocks, uint32(len(d.devs))}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return err
	}
	for _, dev := range slices.Sorted(maps.Keys(d.devs)) {
		blocks := d.devs[dev]
		if err := binary.Write(w, binary.LittleEndian, []uint32{dev, uint32(len(blocks))}); err != nil {
			return err
		}
		for _, bn := range slices.Sorted(maps.Keys(blocks)) {
			if err := binary.Write(w, binary.LittleEndian, bn); err != nil {
				return err
			}
			if _, err := w.Write(blocks[bn]); err != nil {
				return err
			}
		}
	}
	return nil
}

// Restore replaces the disk contents with an image produced by Snapshot.
// The image geometry must match the disk.
func (d *MemDisk) Restore(r io.Reader) error {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("storage: restore: %w", err)
	}
	defer dec.Close()

	devs, err := d.readImage(bufio.NewReader(dec))
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("storage: restore: %w: truncated: %w", ErrBadImage, err)
	}
	if err != nil {
		return fmt.Errorf("storage: restore: %w", err)
	}
	d.mu.Lock()
	d.devs = devs
	d.mu.Unlock()
	return nil
}

func (d *MemDisk) readImage(r io.Reader) (map[uint32]map[uint32][]byte, error) {
	var hdr [5]uint32
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	switch {
	case hdr[0] != imageMagic:
		return nil, fmt.Errorf("%w: magic %#x", ErrBadImage, hdr[0])
	case hdr[1] != imageVersion:
		return nil, fmt.Errorf("%w: version %d", ErrBadImage, hdr[1])
	case int(hdr[2]) != d.blockSize || hdr[3] != d.nblocks:
		return nil, fmt.Errorf("%w: geometry %d×%d, disk is %d×%d",
			ErrBadImage, hdr[3], hdr[2], d.nblocks, d.blockSize)
	}

	devs := make(map[uint32]map[uint32][]byte, min(hdr[4], maxSizeHint))
	for range hdr[4] {
		var dh [2]uint32
		if err := binary.Read(r, binary.LittleEndian, &dh); err != nil {
			return nil, err
		}
		if dh[1] > d.nblocks {
			return nil, fmt.Errorf("%w: device %d has %d blocks, disk has %d",
				ErrBadImage, dh[0], dh[1], d.nblocks)
		}
		blocks := make(map[uint32][]byte, min(dh[1], maxSizeHint))
		for range dh[1] {
			var bn uint32
			if err := binary.Read(r, binary.LittleEndian, &bn); err != nil {
				return nil, err
			}
			if bn >= d.nblocks {
				return nil, fmt.Errorf("%w: block %d/%d", ErrBadImage, dh[0], bn)
			}
			blk := make([]byte, d.blockSize)
			if _, err := io.ReadFull(r, blk); err != nil {
				return nil, err
			}
			blocks[bn] = blk
		}
		devs[dh[0]] = blocks
	}
	return devs, nil
}

// SaveImage writes a snapshot to path atomically: readers see either the old
// file or the complete new one.
func (d *MemDisk) SaveImage(path string) error {
	var buf bytes.Buffer
	if err := d.Snapshot(&buf); err != nil {
		return err
	}
	if err := atomic.WriteFile(path, &buf); err != nil {
		return fmt.Errorf("storage: save image %s: %w", path, err)
	}
	return nil
}

// LoadImage restores the disk from a file written by SaveImage.
func (d *MemDisk) LoadImage(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		return fmt.Errorf("storage: load image: %w", err)
	}
	defer f.Close()
	return d.Restore(f)
}
