package cache

import (
	"sync"
	"sync/atomic"
)

// Buffer is one cache slot: a block's payload plus the metadata the cache
// needs to find, share and recycle it. Buffers are allocated once by New and
// live as long as the cache; recycling overwrites them in place.
//
// A Buffer returned by Load is content-locked by the caller until Release.
type Buffer struct {
	// ---- guarded by the owning bucket's lock ----
	dev     uint32
	blockno uint32
	refcnt  int

	// owning bucket; written only while holding both the old and new
	// bucket locks, read lock-free by lockOwner.
	bucket atomic.Int32

	// ---- guarded by lock (the content lock) ----
	valid atomic.Bool
	data  []byte
	lock  sleepLock

	// slot index in the table's link arena
	idx int32
}

// Dev returns the device id of the block held by b.
func (b *Buffer) Dev() uint32 { return b.dev }

// BlockNo returns the block number held by b.
func (b *Buffer) BlockNo() uint32 { return b.blockno }

// Data returns the block payload. The slice aliases the cache's storage and
// must only be accessed between Load and Release.
func (b *Buffer) Data() []byte { return b.data }

// Valid reports whether the payload reflects the device contents.
func (b *Buffer) Valid() bool { return b.valid.Load() }

// sleepLock is the per-buffer content lock. Acquiring it parks the goroutine
// until the holder releases; held lets Store/Release assert ownership.
type sleepLock struct {
	mu   sync.Mutex
	held atomic.Bool
}

func (l *sleepLock) lock() {
	l.mu.Lock()
	l.held.Store(true)
}

func (l *sleepLock) unlock() {
	l.held.Store(false)
	l.mu.Unlock()
}

func (l *sleepLock) holding() bool { return l.held.Load() }
