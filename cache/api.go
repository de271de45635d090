package cache

// Cache is a sharded block buffer cache.
// All methods are safe for concurrent use by multiple goroutines.
//
// A Buffer obtained from Load is content-locked: no other goroutine can
// Load the same (dev, blockno) until it is released. Holding buffers longer
// than necessary starves other callers; the pool has a fixed size.
type Cache interface {
	// Load returns a content-locked buffer holding valid contents of the
	// block. On a miss the block is read from the Backend.
	// Panics with ErrPoolExhausted if every buffer is referenced.
	Load(dev, blockno uint32) *Buffer

	// Store writes b's payload to the Backend. The caller must hold b
	// (obtained from Load and not yet released).
	Store(b *Buffer)

	// Release unlocks b and drops the caller's reference. When no references
	// remain, b becomes the most recently used buffer of its bucket.
	Release(b *Buffer)

	// Pin adds a reference to b that keeps it resident across Release.
	Pin(b *Buffer)

	// Unpin drops a reference added by Pin.
	Unpin(b *Buffer)

	// Len returns the number of buffers with a non-zero reference count.
	Len() int

	// Stats returns a snapshot of cache counters.
	Stats() Stats

	// Snapshot returns the contents of every bucket in MRU order.
	Snapshot() []BucketSnapshot

	// Close marks the cache closed. Subsequent Load/Store calls panic with
	// ErrClosed; Release, Pin and Unpin keep working so holders can drain.
	Close() error
}
