package cache

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/IvanBrykalov/bcache/internal/util"
)

// cache is a fixed pool of buffers split into independently locked buckets.
// All methods are safe for concurrent use by multiple goroutines.
//
// Lock tiers:
//   - bucket.mu guards list membership, keys and refcnt. It is never held
//     across I/O or while acquiring a content lock. When two bucket locks
//     are needed (stealing) they are taken in ascending bucket order.
//   - Buffer.lock guards the payload and is held for the caller's whole use
//     of the buffer, including device I/O.
type cache struct {
	t      *table
	closed atomic.Bool
	opt    Options
	log    *slog.Logger

	inUse  atomic.Int64
	reads  util.PaddedAtomicUint64
	writes util.PaddedAtomicUint64

	// onStealMiss, if set, runs after a probe of victim found nothing.
	// No bucket lock is held. Tests use it to interleave other operations.
	onStealMiss func(home, victim int)
}

// New constructs a cache with the provided Options.
// Defaults:
//   - Buffers <= 0   -> DefaultBuffers
//   - Buckets <= 0   -> DefaultBuckets
//   - BlockSize <= 0 -> DefaultBlockSize
//   - nil Metrics    -> NoopMetrics
//   - nil Logger     -> discard
func New(opt Options) Cache {
	if opt.Backend == nil {
		panic("Backend must be set")
	}
	opt.applyDefaults()
	if opt.Buckets > opt.Buffers {
		panic("Buckets must not exceed Buffers")
	}

	c := &cache{
		t:   newTable(opt.Buffers, opt.Buckets, opt.BlockSize),
		opt: opt,
		log: opt.Logger.With("component", "bcache"),
	}
	c.log.Debug("initialized",
		"buffers", opt.Buffers,
		"buckets", opt.Buckets,
		"block_size", opt.BlockSize,
	)
	return c
}

// ---- Cache implementation ----

// Load returns a content-locked buffer with valid contents for (dev, blockno).
func (c *cache) Load(dev, blockno uint32) *Buffer {
	if c.closed.Load() {
		c.fatal(ErrClosed, "op", "load")
	}
	if dev == NoDev {
		c.fatal(fmt.Errorf("%w: load of reserved device %d", ErrProtocolViolation, dev))
	}
	b := c.get(dev, blockno)
	if !b.valid.Load() {
		if err := c.opt.Backend.ReadWriteBlock(dev, blockno, b.data, false); err != nil {
			c.fatal(fmt.Errorf("%w: read %d/%d: %w", ErrStorageIO, dev, blockno, err))
		}
		b.valid.Store(true)
		c.reads.Add(1)
		c.opt.Metrics.IO(false)
	}
	return b
}

// Store writes b's payload through to the Backend. b must be held.
func (c *cache) Store(b *Buffer) {
	if c.closed.Load() {
		c.fatal(ErrClosed, "op", "store")
	}
	if !b.lock.holding() {
		c.fatal(fmt.Errorf("%w: store of unlocked buffer %d/%d", ErrProtocolViolation, b.dev, b.blockno))
	}
	if err := c.opt.Backend.ReadWriteBlock(b.dev, b.blockno, b.data, true); err != nil {
		c.fatal(fmt.Errorf("%w: write %d/%d: %w", ErrStorageIO, b.dev, b.blockno, err))
	}
	c.writes.Add(1)
	c.opt.Metrics.IO(true)
}

// Release unlocks b and moves it to the MRU end of its bucket once the last
// reference is dropped.
func (c *cache) Release(b *Buffer) {
	if !b.lock.holding() {
		c.fatal(fmt.Errorf("%w: release of unlocked buffer %d/%d", ErrProtocolViolation, b.dev, b.blockno))
	}
	b.lock.unlock()

	bk, i := c.lockOwner(b)
	b.refcnt--
	if b.refcnt == 0 {
		c.t.moveToFront(i, b.idx)
		c.opt.Metrics.InUse(int(c.inUse.Add(-1)))
	}
	bk.mu.Unlock()
}

// Pin adds a reference to b under its bucket lock.
func (c *cache) Pin(b *Buffer) {
	bk, _ := c.lockOwner(b)
	c.ref(b)
	bk.mu.Unlock()
}

// Unpin drops a reference added by Pin under its bucket lock.
func (c *cache) Unpin(b *Buffer) {
	bk, _ := c.lockOwner(b)
	if b.refcnt == 0 {
		bk.mu.Unlock()
		c.fatal(fmt.Errorf("%w: unpin of unreferenced buffer %d/%d", ErrProtocolViolation, b.dev, b.blockno))
	}
	b.refcnt--
	if b.refcnt == 0 {
		c.opt.Metrics.InUse(int(c.inUse.Add(-1)))
	}
	bk.mu.Unlock()
}

// Len returns the number of referenced buffers.
func (c *cache) Len() int { return int(c.inUse.Load()) }

// Close marks the cache as closed.
func (c *cache) Close() error {
	c.closed.Store(true)
	return nil
}

// -------------------- lookup-or-allocate --------------------

// get returns a content-locked buffer for (dev, blockno) with its refcnt
// incremented: the cached copy if present, else a recycled free buffer from
// the home bucket, else one stolen from another bucket.
func (c *cache) get(dev, blockno uint32) *Buffer {
	home := util.BucketIndex(blockno, len(c.t.buckets))
	hb := &c.t.buckets[home]

	hb.mu.Lock()
	if b := c.t.lookup(home, dev, blockno); b != nil {
		c.ref(b)
		hb.mu.Unlock()
		hb.hits.Add(1)
		c.opt.Metrics.Hit()
		b.lock.lock()
		return b
	}
	if b := c.t.lruFree(home); b != nil {
		c.claim(b, dev, blockno)
		hb.mu.Unlock()
		hb.misses.Add(1)
		hb.recycles.Add(1)
		c.opt.Metrics.Miss()
		c.opt.Metrics.Recycle()
		b.lock.lock()
		return b
	}
	hb.mu.Unlock()

	// The lookup is counted once, by whichever probe resolves it.
	b := c.steal(home, dev, blockno)
	if b == nil {
		hb.misses.Add(1)
		c.opt.Metrics.Miss()
		c.fatal(fmt.Errorf("%w: %d/%d", ErrPoolExhausted, dev, blockno),
			"buffers", len(c.t.bufs))
	}
	b.lock.lock()
	return b
}

// stealPasses is how many times steal visits every other bucket. A buffer
// freed in a bucket after it was probed is found on the next pass.
const stealPasses = 2

// steal visits every other bucket, in cyclic order after home, looking for a
// free buffer to relocate into home. Each probe holds the home lock and the
// victim lock, acquired in ascending index order. Because the home lock was
// dropped between probes, home is re-validated under both locks first.
func (c *cache) steal(home int, dev, blockno uint32) *Buffer {
	n := len(c.t.buckets)
	for pass := range stealPasses {
		if pass > 0 {
			c.log.Debug("steal: retrying", "home", home, "dev", dev, "blockno", blockno)
		}
		for j := (home + 1) % n; j != home; j = (j + 1) % n {
			lo, hi := &c.t.buckets[home], &c.t.buckets[j]
			if j < home {
				lo, hi = hi, lo
			}
			lo.mu.Lock()
			hi.mu.Lock()
			b, stolen := c.probe(home, j, dev, blockno)
			hi.mu.Unlock()
			lo.mu.Unlock()

			if b == nil {
				if c.onStealMiss != nil {
					c.onStealMiss(home, j)
				}
				continue
			}
			if stolen {
				c.log.Debug("stole buffer",
					"from", j,
					"to", home,
					"dev", dev,
					"blockno", blockno,
				)
			}
			return b
		}
	}
	return nil
}

// probe runs with the home and victim bucket locks held. It reports whether
// the returned buffer was relocated from the victim.
func (c *cache) probe(home, victim int, dev, blockno uint32) (*Buffer, bool) {
	hb, vb := &c.t.buckets[home], &c.t.buckets[victim]

	if b := c.t.lookup(home, dev, blockno); b != nil {
		c.ref(b)
		hb.hits.Add(1)
		c.opt.Metrics.Hit()
		return b, false
	}
	if b := c.t.lruFree(home); b != nil {
		c.claim(b, dev, blockno)
		hb.misses.Add(1)
		hb.recycles.Add(1)
		c.opt.Metrics.Miss()
		c.opt.Metrics.Recycle()
		return b, false
	}
	b := c.t.lruFree(victim)
	if b == nil {
		return nil, false
	}
	c.t.move(b, home)
	c.claim(b, dev, blockno)
	hb.misses.Add(1)
	vb.stealsOut.Add(1)
	hb.stealsIn.Add(1)
	c.opt.Metrics.Miss()
	c.opt.Metrics.Steal()
	return b, true
}

// -------------------- helpers (bucket lock held) --------------------

// claim overwrites a free buffer's key. The old payload is left in place
// but marked invalid so the next Load rereads it.
func (c *cache) claim(b *Buffer, dev, blockno uint32) {
	b.dev = dev
	b.blockno = blockno
	b.valid.Store(false)
	b.refcnt = 1
	c.opt.Metrics.InUse(int(c.inUse.Add(1)))
}

func (c *cache) ref(b *Buffer) {
	b.refcnt++
	if b.refcnt == 1 {
		c.opt.Metrics.InUse(int(c.inUse.Add(1)))
	}
}

// lockOwner locks the bucket b currently belongs to and returns it with its
// index. An unreferenced buffer may be stolen between reading b.bucket and
// locking, so ownership is re-checked under the lock.
func (c *cache) lockOwner(b *Buffer) (*bucket, int) {
	for {
		i := int(b.bucket.Load())
		bk := &c.t.buckets[i]
		bk.mu.Lock()
		if int(b.bucket.Load()) == i {
			return bk, i
		}
		bk.mu.Unlock()
	}
}

// fatal logs err and panics with it. No bucket lock may be held.
func (c *cache) fatal(err error, args ...any) {
	c.log.Error("fatal", append([]any{"err", err}, args...)...)
	panic(err)
}
