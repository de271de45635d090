package cache

import (
	"testing"
	"time"

	"github.com/IvanBrykalov/bcache/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fullPool returns a 3-bucket cache of 6 buffers with every buffer held:
// blocks 0 and 3 in bucket 0, 1 and 4 in bucket 1, 2 and 5 in bucket 2.
func fullPool(t *testing.T) (*cache, *storage.MemDisk, map[uint32]*Buffer) {
	t.Helper()
	c, d := newTestCache(t, 6, 3)
	held := make(map[uint32]*Buffer, 6)
	for bn := range uint32(6) {
		held[bn] = c.Load(1, bn)
	}
	require.Equal(t, 6, c.Len())
	return c, d, held
}

func releaseAll(c *cache, held map[uint32]*Buffer) {
	for _, b := range held {
		c.Release(b)
	}
}

// A home buffer released after the first probe is claimed by the next probe
// instead of stealing from the victim.
func TestSteal_ClaimsHomeBufferFreedMeanwhile(t *testing.T) {
	t.Parallel()

	c, _, held := fullPool(t)
	freed := held[3]
	delete(held, 3)
	var victims []int
	c.onStealMiss = func(home, victim int) {
		victims = append(victims, victim)
		if len(victims) == 1 {
			c.Release(freed)
		}
	}

	b := c.Load(1, 6)
	assert.Same(t, freed, b, "freed home buffer is reused")
	assert.Equal(t, []int{1}, victims)

	st := c.Stats()
	assert.Zero(t, st.Steals)
	assert.EqualValues(t, 3, st.Buckets[0].Recycles)
	assert.EqualValues(t, 7, st.Hits+st.Misses, "one count per lookup")

	c.Release(b)
	releaseAll(c, held)
	checkInvariants(t, c)
}

// Another caller caches the key while the steal is in progress; the next
// probe finds it in home and the block is not read twice.
func TestSteal_HitsKeyCachedMeanwhile(t *testing.T) {
	t.Parallel()

	c, d, held := fullPool(t)
	freed := held[3]
	delete(held, 3)
	var (
		cached *Buffer
		reads  uint64
	)
	c.onStealMiss = func(home, victim int) {
		if cached != nil {
			return
		}
		c.Release(freed)
		cached = c.Load(1, 6) // home has a free buffer: no steal
		copy(cached.Data(), "cached")
		c.Release(cached)
		reads = d.Reads()
	}

	b := c.Load(1, 6)
	assert.Equal(t, reads, d.Reads(), "cached block must not be read again")
	assert.Same(t, cached, b)
	assert.Equal(t, []byte("cached"), b.Data()[:6])

	st := c.Stats()
	assert.EqualValues(t, 1, st.Hits)
	assert.EqualValues(t, 7, st.Misses)
	assert.Zero(t, st.Steals)

	c.Release(b)
	releaseAll(c, held)
	checkInvariants(t, c)
}

// A buffer freed in a bucket the steal already probed is found on the
// second pass instead of failing with ErrPoolExhausted.
func TestSteal_SecondPassFindsBufferFreedBehind(t *testing.T) {
	t.Parallel()

	c, _, held := fullPool(t)
	freed := held[1]
	delete(held, 1)
	var victims []int
	c.onStealMiss = func(home, victim int) {
		victims = append(victims, victim)
		if len(victims) == 1 {
			c.Release(freed) // bucket 1, already probed
		}
	}

	var b *Buffer
	require.NoError(t, fatalErr(func() { b = c.Load(1, 6) }))
	assert.Equal(t, []int{1, 2}, victims)

	st := c.Stats()
	assert.EqualValues(t, 1, st.Buckets[1].StealsOut)
	assert.EqualValues(t, 1, st.Buckets[0].StealsIn)
	assert.EqualValues(t, 0, b.bucket.Load())

	c.Release(b)
	releaseAll(c, held)
	checkInvariants(t, c)
}

// Exhaustion is reported only after both passes come up empty.
func TestSteal_ExhaustedAfterBothPasses(t *testing.T) {
	t.Parallel()

	c, _, held := fullPool(t)
	var victims []int
	c.onStealMiss = func(home, victim int) { victims = append(victims, victim) }

	require.ErrorIs(t, fatalErr(func() { c.Load(1, 6) }), ErrPoolExhausted)
	assert.Equal(t, []int{1, 2, 1, 2}, victims)
	assert.EqualValues(t, 7, c.Stats().Misses)

	releaseAll(c, held)
	checkInvariants(t, c)
}

// lockOwner that read a stale bucket index must follow the buffer to the
// bucket it was moved to.
func TestLockOwner_FollowsMovedBuffer(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t, 4, 2)
	b := &c.t.bufs[0]
	require.EqualValues(t, 0, b.bucket.Load())

	b0, b1 := &c.t.buckets[0], &c.t.buckets[1]
	b0.mu.Lock()
	got := make(chan int, 1)
	go func() {
		bk, i := c.lockOwner(b)
		bk.mu.Unlock()
		got <- i
	}()
	time.Sleep(20 * time.Millisecond) // let lockOwner read bucket 0 and block on it

	b1.mu.Lock()
	c.t.move(b, 1)
	b1.mu.Unlock()
	b0.mu.Unlock()

	select {
	case i := <-got:
		assert.Equal(t, 1, i)
	case <-time.After(5 * time.Second):
		t.Fatal("lockOwner did not return")
	}
	checkInvariants(t, c)
}
