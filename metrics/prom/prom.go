// Package prom exports buffer cache metrics to Prometheus.
package prom

import (
	"github.com/IvanBrykalov/bcache/cache"
	"github.com/prometheus/client_golang/prometheus"
)

// Adapter implements cache.Metrics and exports Prometheus counters/gauges.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Adapter struct {
	hits     prometheus.Counter
	misses   prometheus.Counter
	recycles prometheus.Counter
	steals   prometheus.Counter
	io       *prometheus.CounterVec
	inUse    prometheus.Gauge

	reads, writes prometheus.Counter // curried from io
}

// New constructs a Prometheus metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		})
	}
	a := &Adapter{
		hits:     counter("hits_total", "Lookups served by a cached buffer"),
		misses:   counter("misses_total", "Lookups that had to claim a buffer"),
		recycles: counter("recycles_total", "Free buffers reused within their home bucket"),
		steals:   counter("steals_total", "Free buffers relocated from another bucket"),
		io: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "device_ops_total",
				Help:        "Block device operations by kind",
				ConstLabels: constLabels,
			},
			[]string{"op"},
		),
		inUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "buffers_in_use",
			Help:        "Buffers with a non-zero reference count",
			ConstLabels: constLabels,
		}),
	}
	a.reads = a.io.WithLabelValues("read")
	a.writes = a.io.WithLabelValues("write")
	reg.MustRegister(a.hits, a.misses, a.recycles, a.steals, a.io, a.inUse)
	return a
}

// Hit increments the hit counter.
func (a *Adapter) Hit() { a.hits.Inc() }

// Miss increments the miss counter.
func (a *Adapter) Miss() { a.misses.Inc() }

// Recycle increments the in-bucket recycle counter.
func (a *Adapter) Recycle() { a.recycles.Inc() }

// Steal increments the cross-bucket steal counter.
func (a *Adapter) Steal() { a.steals.Inc() }

// IO counts one device read or write.
func (a *Adapter) IO(write bool) {
	if write {
		a.writes.Inc()
		return
	}
	a.reads.Inc()
}

// InUse sets the referenced-buffers gauge.
func (a *Adapter) InUse(n int) { a.inUse.Set(float64(n)) }

// Compile-time check: ensure Adapter implements cache.Metrics.
var _ cache.Metrics = (*Adapter)(nil)
