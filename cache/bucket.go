package cache

import (
	"sync"

	"github.com/IvanBrykalov/bcache/internal/util"
)

// bucket is an independent partition of the pool with its own lock and an
// MRU↔LRU circular list threaded through the table's link arena.
type bucket struct {
	// ---- guarded by mu ----
	mu  sync.Mutex
	len int // number of member buffers

	// ---- hot counters (separate cache lines to avoid false sharing) ----
	_         util.CacheLinePad
	hits      util.PaddedAtomicUint64
	misses    util.PaddedAtomicUint64
	recycles  util.PaddedAtomicUint64
	stealsIn  util.PaddedAtomicUint64
	stealsOut util.PaddedAtomicUint64
}

// link is one arena entry. next/prev are arena indices.
type link struct {
	next int32
	prev int32
}

// table owns every buffer and bucket. links has one entry per buffer
// followed by one sentinel per bucket: bucket i's sentinel is at
// len(bufs)+i, and sentinel.next is the bucket's MRU buffer.
type table struct {
	bufs    []Buffer
	links   []link
	buckets []bucket
}

// newTable distributes nbuf buffers evenly across nbuckets, the remainder
// going to the last bucket.
func newTable(nbuf, nbuckets, blockSize int) *table {
	t := &table{
		bufs:    make([]Buffer, nbuf),
		links:   make([]link, nbuf+nbuckets),
		buckets: make([]bucket, nbuckets),
	}
	for i := range t.buckets {
		s := t.sentinel(i)
		t.links[s] = link{next: s, prev: s}
	}

	// One backing array for all payloads.
	payload := make([]byte, nbuf*blockSize)
	per := nbuf / nbuckets
	for i := range t.bufs {
		b := &t.bufs[i]
		b.idx = int32(i)
		b.dev = NoDev
		b.data = payload[i*blockSize : (i+1)*blockSize : (i+1)*blockSize]
		home := i / per
		if home >= nbuckets {
			home = nbuckets - 1
		}
		b.bucket.Store(int32(home))
		t.pushFront(home, b.idx)
	}
	return t
}

func (t *table) sentinel(bucket int) int32 { return int32(len(t.bufs) + bucket) }

// -------------------- list ops (bucket lock held) --------------------

// pushFront inserts x at the MRU end of bucket i in O(1).
func (t *table) pushFront(i int, x int32) {
	s := t.sentinel(i)
	first := t.links[s].next
	t.links[x] = link{next: first, prev: s}
	t.links[first].prev = x
	t.links[s].next = x
	t.buckets[i].len++
}

// unlink detaches x from bucket i in O(1).
func (t *table) unlink(i int, x int32) {
	l := t.links[x]
	t.links[l.prev].next = l.next
	t.links[l.next].prev = l.prev
	t.links[x] = link{next: x, prev: x}
	t.buckets[i].len--
}

// moveToFront promotes x to MRU within bucket i.
func (t *table) moveToFront(i int, x int32) {
	if t.links[t.sentinel(i)].next == x {
		return
	}
	t.unlink(i, x)
	t.pushFront(i, x)
}

// move relocates b from its bucket to the MRU end of bucket to.
// Both bucket locks must be held.
func (t *table) move(b *Buffer, to int) {
	t.unlink(int(b.bucket.Load()), b.idx)
	b.bucket.Store(int32(to))
	t.pushFront(to, b.idx)
}

// lookup scans bucket i MRU→LRU for (dev, blockno).
func (t *table) lookup(i int, dev, blockno uint32) *Buffer {
	s := t.sentinel(i)
	for x := t.links[s].next; x != s; x = t.links[x].next {
		b := &t.bufs[x]
		if b.dev == dev && b.blockno == blockno {
			return b
		}
	}
	return nil
}

// lruFree scans bucket i LRU→MRU for an unreferenced buffer.
func (t *table) lruFree(i int) *Buffer {
	s := t.sentinel(i)
	for x := t.links[s].prev; x != s; x = t.links[x].prev {
		if b := &t.bufs[x]; b.refcnt == 0 {
			return b
		}
	}
	return nil
}

// each calls fn for every buffer of bucket i in MRU order.
func (t *table) each(i int, fn func(b *Buffer)) {
	s := t.sentinel(i)
	for x := t.links[s].next; x != s; x = t.links[x].next {
		fn(&t.bufs[x])
	}
}
