package cache

import (
	"fmt"
	"testing"

	"github.com/IvanBrykalov/bcache/internal/util"
	"github.com/IvanBrykalov/bcache/storage"
	"github.com/stretchr/testify/require"
)

const testBlockSize = 64

func newTestCache(t testing.TB, buffers, buckets int) (*cache, *storage.MemDisk) {
	t.Helper()
	d := storage.NewMemDisk(testBlockSize, 1<<20)
	c := New(Options{
		Buffers:   buffers,
		Buckets:   buckets,
		BlockSize: testBlockSize,
		Backend:   d,
	}).(*cache)
	t.Cleanup(func() { _ = c.Close() })
	return c, d
}

// fatalErr runs f and returns the error it panicked with, or nil.
func fatalErr(f func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e, ok := r.(error)
			if !ok {
				e = fmt.Errorf("non-error panic: %v", r)
			}
			err = e
		}
	}()
	f()
	return nil
}

// checkInvariants walks every bucket of a quiescent cache and verifies the
// structural invariants: every buffer is linked into exactly one bucket,
// bucket lengths match, back links agree, referenced buffers sit in their
// home bucket, and no two referenced buffers share a key.
func checkInvariants(t *testing.T, c *cache) {
	t.Helper()
	seen := make(map[int32]int, len(c.t.bufs))
	type key struct{ dev, blockno uint32 }
	live := make(map[key]int32)
	inUse := 0

	for i := range c.t.buckets {
		bk := &c.t.buckets[i]
		bk.mu.Lock()
		s := c.t.sentinel(i)
		n := 0
		prev := s
		for x := c.t.links[s].next; x != s; x = c.t.links[x].next {
			require.Equal(t, prev, c.t.links[x].prev, "bucket %d: broken back link at %d", i, x)
			prev = x
			n++

			owner, dup := seen[x]
			require.False(t, dup, "buffer %d in buckets %d and %d", x, owner, i)
			seen[x] = i

			b := &c.t.bufs[x]
			require.EqualValues(t, i, b.bucket.Load(), "buffer %d bucket field", x)
			require.GreaterOrEqual(t, b.refcnt, 0)
			if b.refcnt > 0 {
				inUse++
				require.Equal(t, util.BucketIndex(b.blockno, len(c.t.buckets)), i,
					"referenced buffer %d/%d outside its home bucket", b.dev, b.blockno)
				k := key{b.dev, b.blockno}
				other, dupKey := live[k]
				require.False(t, dupKey, "key %v held by buffers %d and %d", k, other, x)
				live[k] = x
			}
		}
		require.Equal(t, prev, c.t.links[s].prev, "bucket %d: tail mismatch", i)
		require.Equal(t, bk.len, n, "bucket %d length", i)
		bk.mu.Unlock()
	}
	require.Len(t, seen, len(c.t.bufs), "every buffer must be linked")
	require.Equal(t, inUse, c.Len())
}
