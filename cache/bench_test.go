package cache

import (
	"math/rand"
	"sync/atomic"
	"testing"
)

// benchmarkLoad exercises Load/Release against a warm cache.
// It uses parallel workers (RunParallel spawns GOMAXPROCS goroutines).
// keys larger than the pool force recycling and stealing.
func benchmarkLoad(b *testing.B, buffers, buckets, keys int) {
	c, _ := newTestCache(b, buffers, buckets)

	b.ReportAllocs()
	b.ResetTimer()

	var seed int64 = 1
	b.RunParallel(func(pb *testing.PB) {
		// Independent RNG stream and device per worker so workers never
		// wait on each other's content locks.
		id := atomic.AddInt64(&seed, 1)
		r := rand.New(rand.NewSource(id))
		dev := uint32(id)
		for pb.Next() {
			buf := c.Load(dev, uint32(r.Intn(keys)))
			c.Release(buf)
		}
	})
}

func BenchmarkCache_Hot(b *testing.B)       { benchmarkLoad(b, 1024, 64, 16) }
func BenchmarkCache_Warm(b *testing.B)      { benchmarkLoad(b, 1024, 64, 512) }
func BenchmarkCache_Thrash(b *testing.B)    { benchmarkLoad(b, 256, 13, 4096) }
func BenchmarkCache_OneBucket(b *testing.B) { benchmarkLoad(b, 256, 1, 512) }
