// Package cache provides a sharded buffer cache for fixed-size disk blocks.
//
// The cache holds a fixed pool of buffers, each caching one block identified
// by (device, block number). Repeated reads are served from memory, and the
// cache is the single synchronization point for a block: at most one
// goroutine holds a given block's buffer at a time.
//
// Design
//
//   - Buckets: the pool is split into buckets, each protected by its own
//     mutex. A block's home bucket is blockno % Buckets. Buckets keep their
//     buffers on an MRU↔LRU circular list threaded through an index arena
//     (one entry per buffer plus one sentinel per bucket).
//
//   - Lookup: the home bucket is scanned from the MRU end for the key. On a
//     miss the least recently used unreferenced buffer of the home bucket is
//     recycled in place. If the home bucket has none, a free buffer is stolen
//     from another bucket, probing buckets in cyclic order after home.
//
//   - Locking: bucket locks are short and never held across I/O. Stealing
//     needs two bucket locks; they are always acquired in ascending bucket
//     order and the home bucket is re-checked under both, so concurrent
//     steals in opposite directions cannot deadlock. Each buffer also has a
//     content lock, held from Load until Release, including across device I/O.
//
//   - References: refcnt counts holders and pins. A buffer with refcnt > 0 is
//     never recycled. Pin/Unpin let a layer above (e.g. a log) keep a buffer
//     resident across unrelated critical sections.
//
//   - Errors: pool exhaustion, device failures and protocol violations
//     (Store/Release without holding the buffer) are fatal. The cache logs
//     and panics with an error wrapping ErrPoolExhausted, ErrStorageIO or
//     ErrProtocolViolation.
//
//   - Metrics: Options.Metrics receives Hit/Miss/Recycle/Steal/IO/InUse
//     signals. NoopMetrics is the default; see package metrics/prom.
//
// Basic usage
//
//	disk := storage.NewMemDisk(cache.DefaultBlockSize, 1000)
//	c := cache.New(cache.Options{Backend: disk})
//
//	b := c.Load(1, 33) // content-locked, contents valid
//	copy(b.Data(), "hello")
//	c.Store(b)         // write through to the device
//	c.Release(b)       // b must not be used after Release
//
// Pinning
//
//	b := c.Load(1, 33)
//	c.Pin(b)     // keep resident
//	c.Release(b)
//	// ... later
//	c.Unpin(b)
//
// Thread-safety & complexity
//
// All methods on Cache are safe for concurrent use. Lookup is a linear scan
// of one bucket, so keep Buffers/Buckets small; the pool is meant to hold
// tens to a few thousand buffers.
package cache
