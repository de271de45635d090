package storage

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// FaultFunc decides whether a device operation should fail.
// A non-nil return aborts the operation with that error.
type FaultFunc func(dev, blockno uint32, write bool) error

// MemDisk is an in-memory Device holding any number of devices of equal
// geometry. Blocks are allocated on first write; unwritten blocks read as
// zeros. Safe for concurrent use.
type MemDisk struct {
	blockSize int
	nblocks   uint32

	mu   sync.RWMutex
	devs map[uint32]map[uint32][]byte

	fault  atomic.Pointer[FaultFunc]
	reads  atomic.Uint64
	writes atomic.Uint64
}

// NewMemDisk creates an empty MemDisk. nblocks is the size of every device.
func NewMemDisk(blockSize int, nblocks uint32) *MemDisk {
	if blockSize <= 0 {
		panic("blockSize must be > 0")
	}
	return &MemDisk{
		blockSize: blockSize,
		nblocks:   nblocks,
		devs:      make(map[uint32]map[uint32][]byte),
	}
}

// BlockSize returns the block size in bytes.
func (d *MemDisk) BlockSize() int { return d.blockSize }

// ReadWriteBlock implements Device.
func (d *MemDisk) ReadWriteBlock(dev, blockno uint32, data []byte, write bool) error {
	if len(data) != d.blockSize {
		return fmt.Errorf("%w: got %d, want %d", ErrBadSize, len(data), d.blockSize)
	}
	if blockno >= d.nblocks {
		return fmt.Errorf("%w: %d/%d", ErrOutOfRange, dev, blockno)
	}
	if fn := d.fault.Load(); fn != nil {
		if err := (*fn)(dev, blockno, write); err != nil {
			return err
		}
	}

	if write {
		d.mu.Lock()
		blocks := d.devs[dev]
		if blocks == nil {
			blocks = make(map[uint32][]byte)
			d.devs[dev] = blocks
		}
		blk := blocks[blockno]
		if blk == nil {
			blk = make([]byte, d.blockSize)
			blocks[blockno] = blk
		}
		copy(blk, data)
		d.mu.Unlock()
		d.writes.Add(1)
		return nil
	}

	d.mu.RLock()
	blk := d.devs[dev][blockno]
	if blk == nil {
		clear(data)
	} else {
		copy(data, blk)
	}
	d.mu.RUnlock()
	d.reads.Add(1)
	return nil
}

// SetFault installs fn as the fault hook; nil removes it.
func (d *MemDisk) SetFault(fn FaultFunc) {
	if fn == nil {
		d.fault.Store(nil)
		return
	}
	d.fault.Store(&fn)
}

// FailAfter makes every operation fail with ErrInjected once n more
// operations have succeeded.
func (d *MemDisk) FailAfter(n int64) {
	var left atomic.Int64
	left.Store(n)
	d.SetFault(func(_, _ uint32, _ bool) error {
		if left.Add(-1) < 0 {
			return ErrInjected
		}
		return nil
	})
}

// Peek returns a copy of a block's contents without counting a read.
func (d *MemDisk) Peek(dev, blockno uint32) []byte {
	out := make([]byte, d.blockSize)
	d.mu.RLock()
	copy(out, d.devs[dev][blockno])
	d.mu.RUnlock()
	return out
}

// Poke overwrites a block's contents without counting a write.
func (d *MemDisk) Poke(dev, blockno uint32, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	blocks := d.devs[dev]
	if blocks == nil {
		blocks = make(map[uint32][]byte)
		d.devs[dev] = blocks
	}
	blk := make([]byte, d.blockSize)
	copy(blk, data)
	blocks[blockno] = blk
}

// Reads returns the number of completed reads.
func (d *MemDisk) Reads() uint64 { return d.reads.Load() }

// Writes returns the number of completed writes.
func (d *MemDisk) Writes() uint64 { return d.writes.Load() }
