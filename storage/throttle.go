package storage

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Throttled limits the operation rate of an underlying Device, modelling a
// slow disk. Callers block in ReadWriteBlock until the limiter admits them.
// An optional queue depth bounds the operations in flight at once.
type Throttled struct {
	next Device
	lim  *rate.Limiter
	sem  *semaphore.Weighted // nil if unbounded
}

// NewThrottled wraps next with a limit of opsPerSec operations per second and
// the given burst. A non-positive opsPerSec disables limiting.
func NewThrottled(next Device, opsPerSec float64, burst int) *Throttled {
	if burst < 1 {
		burst = 1
	}
	lim := rate.NewLimiter(rate.Inf, burst)
	if opsPerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(opsPerSec), burst)
	}
	return &Throttled{next: next, lim: lim}
}

// WithQueueDepth bounds concurrent operations to n and returns t.
// A non-positive n removes the bound. Call before first use.
func (t *Throttled) WithQueueDepth(n int64) *Throttled {
	t.sem = nil
	if n > 0 {
		t.sem = semaphore.NewWeighted(n)
	}
	return t
}

// ReadWriteBlock implements Device.
func (t *Throttled) ReadWriteBlock(dev, blockno uint32, data []byte, write bool) error {
	// Device I/O has no cancellation; the limiter only ever waits.
	ctx := context.Background()
	if t.sem != nil {
		if err := t.sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("storage: queue: %w", err)
		}
		defer t.sem.Release(1)
	}
	if err := t.lim.Wait(ctx); err != nil {
		return fmt.Errorf("storage: throttle: %w", err)
	}
	return t.next.ReadWriteBlock(dev, blockno, data, write)
}
