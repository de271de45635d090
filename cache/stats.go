package cache

// BucketStats holds the counters of one bucket.
type BucketStats struct {
	Resident  int // member buffers, referenced or not
	Hits      uint64
	Misses    uint64
	Recycles  uint64
	StealsIn  uint64
	StealsOut uint64
}

// Stats is a point-in-time view of the cache counters. Buckets are read one
// at a time, so totals are not an atomic snapshot under concurrent use.
type Stats struct {
	Buckets []BucketStats

	Hits     uint64
	Misses   uint64
	Recycles uint64
	Steals   uint64
	Reads    uint64 // device reads
	Writes   uint64 // device writes
	InUse    int
}

// BufferInfo describes one buffer in a Snapshot.
type BufferInfo struct {
	Dev     uint32
	BlockNo uint32
	RefCnt  int
	Valid   bool
}

// BucketSnapshot lists a bucket's buffers from most to least recently used.
type BucketSnapshot struct {
	Index   int
	Buffers []BufferInfo
}

// Stats returns the current counters.
func (c *cache) Stats() Stats {
	st := Stats{
		Buckets: make([]BucketStats, len(c.t.buckets)),
		Reads:   c.reads.Load(),
		Writes:  c.writes.Load(),
		InUse:   c.Len(),
	}
	for i := range c.t.buckets {
		bk := &c.t.buckets[i]
		bk.mu.Lock()
		resident := bk.len
		bk.mu.Unlock()

		bs := BucketStats{
			Resident:  resident,
			Hits:      bk.hits.Load(),
			Misses:    bk.misses.Load(),
			Recycles:  bk.recycles.Load(),
			StealsIn:  bk.stealsIn.Load(),
			StealsOut: bk.stealsOut.Load(),
		}
		st.Buckets[i] = bs
		st.Hits += bs.Hits
		st.Misses += bs.Misses
		st.Recycles += bs.Recycles
		st.Steals += bs.StealsIn
	}
	return st
}

// Snapshot dumps every bucket, locking one bucket at a time.
func (c *cache) Snapshot() []BucketSnapshot {
	out := make([]BucketSnapshot, len(c.t.buckets))
	for i := range c.t.buckets {
		bk := &c.t.buckets[i]
		bk.mu.Lock()
		bs := BucketSnapshot{Index: i, Buffers: make([]BufferInfo, 0, bk.len)}
		c.t.each(i, func(b *Buffer) {
			bs.Buffers = append(bs.Buffers, BufferInfo{
				Dev:     b.dev,
				BlockNo: b.blockno,
				RefCnt:  b.refcnt,
				Valid:   b.valid.Load(),
			})
		})
		bk.mu.Unlock()
		out[i] = bs
	}
	return out
}
