package cache

import "log/slog"

// Build-time pool geometry. Options may override these at construction only;
// the pool never grows or shrinks afterwards.
const (
	// DefaultBuffers is the pool size (NBUF).
	DefaultBuffers = 30
	// DefaultBuckets is the number of independently locked buckets.
	DefaultBuckets = 13
	// DefaultBlockSize is the payload size of one block in bytes.
	DefaultBlockSize = 1024
)

// NoDev is the device id carried by buffers that have never held a block.
// It is reserved and cannot be loaded.
const NoDev = ^uint32(0)

// Backend is the synchronous block device the cache reads from and writes to.
// ReadWriteBlock blocks until the device operation completes. On read it fills
// data with the block's contents; on write it persists data.
type Backend interface {
	ReadWriteBlock(dev, blockno uint32, data []byte, write bool) error
}

// Metrics exposes cache-level observability hooks.
// A NoopMetrics implementation is provided and used by default.
type Metrics interface {
	Hit()
	Miss()
	// Recycle is called when a free buffer in the home bucket is claimed.
	Recycle()
	// Steal is called when a free buffer is relocated from another bucket.
	Steal()
	// IO is called after each completed device operation.
	IO(write bool)
	// InUse reports the number of buffers with a non-zero reference count.
	InUse(n int)
}

// Options configures the cache. Zero values are safe; defaults are applied
// in New():
//   - Buffers <= 0   => DefaultBuffers
//   - Buckets <= 0   => DefaultBuckets
//   - BlockSize <= 0 => DefaultBlockSize
//   - nil Metrics    => NoopMetrics
//   - nil Logger     => discard
//
// Backend is required.
type Options struct {
	// Buffers is the fixed number of cache slots.
	Buffers int

	// Buckets is the number of shards. A block lives in bucket blockno % Buckets.
	// Buckets must not exceed Buffers.
	Buckets int

	// BlockSize is the payload size of each buffer.
	BlockSize int

	// Backend performs block I/O on cache misses and stores.
	Backend Backend

	// Observability
	Metrics Metrics
	Logger  *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.Buffers <= 0 {
		o.Buffers = DefaultBuffers
	}
	if o.Buckets <= 0 {
		o.Buckets = DefaultBuckets
	}
	if o.BlockSize <= 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.Metrics == nil {
		o.Metrics = NoopMetrics{}
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
}
