// Command bench runs a synthetic block workload against the buffer cache and
// exposes optional pprof/Prometheus endpoints.
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/bcache/cache"
	pmet "github.com/IvanBrykalov/bcache/metrics/prom"
	"github.com/IvanBrykalov/bcache/storage"
)

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(cfg config) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	// ---- pprof server (on DefaultServeMux) ----
	if cfg.PprofAddr != "" {
		go func() {
			log.Info("pprof: serving", "addr", cfg.PprofAddr)
			log.Warn("pprof: stopped", "err", http.ListenAndServe(cfg.PprofAddr, nil))
		}()
	}

	// ---- Prometheus metrics (on DefaultServeMux) ----
	metrics := pmet.New(nil, "bcache", "bench", nil)
	if cfg.MetricsAddr != "" {
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			log.Info("metrics: serving", "addr", cfg.MetricsAddr)
			log.Warn("metrics: stopped", "err", http.ListenAndServe(cfg.MetricsAddr, nil))
		}()
	}

	// ---- Build device and cache ----
	dev, closeDev, err := openDevice(cfg)
	if err != nil {
		return err
	}
	defer closeDev()

	c := cache.New(cache.Options{
		Buffers:   cfg.Buffers,
		Buckets:   cfg.Buckets,
		BlockSize: cfg.BlockSize,
		Backend:   storage.NewThrottled(dev, cfg.IOPS, max(1, int(cfg.IOPS/100))).WithQueueDepth(cfg.QueueDepth),
		Metrics:   metrics,
		Logger:    log,
	})
	defer func() { _ = c.Close() }()

	// ---- Load generation ----
	var loads, stores, pins uint64
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Duration))
	defer cancel()

	log.Info("starting",
		"buffers", cfg.Buffers,
		"buckets", cfg.Buckets,
		"workers", cfg.Workers,
		"devices", cfg.Devices,
		"blocks", cfg.Blocks,
		"seed", cfg.Seed,
	)
	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for w := range cfg.Workers {
		g.Go(func() error {
			// Each worker gets its own RNG + Zipf (rand.Rand is NOT goroutine-safe).
			r := rand.New(rand.NewSource(cfg.Seed + int64(w)*9973))
			zipf := rand.NewZipf(r, cfg.ZipfS, cfg.ZipfV, uint64(cfg.Blocks-1))

			// A worker holds one content lock at a time and at most one pin.
			var pinned *cache.Buffer
			pinnedFor := 0
			for ctx.Err() == nil {
				b := c.Load(uint32(r.Intn(cfg.Devices)), uint32(zipf.Uint64()))
				atomic.AddUint64(&loads, 1)

				if r.Intn(100) < cfg.WritePct {
					n := binary.LittleEndian.Uint64(b.Data())
					binary.LittleEndian.PutUint64(b.Data(), n+1)
					c.Store(b)
					atomic.AddUint64(&stores, 1)
				}
				if pinned == nil && r.Intn(100) < cfg.PinPct {
					c.Pin(b)
					pinned, pinnedFor = b, 1+r.Intn(64)
					atomic.AddUint64(&pins, 1)
				}
				c.Release(b)

				if pinned != nil {
					if pinnedFor--; pinnedFor <= 0 {
						c.Unpin(pinned)
						pinned = nil
					}
				}
			}
			if pinned != nil {
				c.Unpin(pinned)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	if cfg.SaveImage != "" {
		if md, ok := dev.(*storage.MemDisk); ok {
			if err := md.SaveImage(cfg.SaveImage); err != nil {
				return err
			}
			log.Info("image saved", "path", cfg.SaveImage)
		}
	}

	// ---- Report ----
	st := c.Stats()
	lookups := st.Hits + st.Misses
	hitRate := 0.0
	if lookups > 0 {
		hitRate = float64(st.Hits) / float64(lookups) * 100
	}
	fmt.Printf("buffers=%d buckets=%d workers=%d devices=%d blocks=%d dur=%v seed=%d\n",
		cfg.Buffers, cfg.Buckets, cfg.Workers, cfg.Devices, cfg.Blocks, elapsed, cfg.Seed)
	fmt.Printf("loads=%d (%.0f ops/s)  stores=%d  pins=%d\n",
		loads, float64(loads)/elapsed.Seconds(), stores, pins)
	fmt.Printf("hits=%d  misses=%d  hit-rate=%.2f%%  recycles=%d  steals=%d\n",
		st.Hits, st.Misses, hitRate, st.Recycles, st.Steals)
	fmt.Printf("device reads=%d writes=%d\n", st.Reads, st.Writes)
	for i, b := range st.Buckets {
		fmt.Printf("  bucket %2d: resident=%-4d hits=%-8d misses=%-8d in=%-6d out=%-6d\n",
			i, b.Resident, b.Hits, b.Misses, b.StealsIn, b.StealsOut)
	}
	return nil
}

// openDevice builds the backing device: image files under ImageDir, or a
// memory disk optionally restored from LoadImage.
func openDevice(cfg config) (storage.Device, func(), error) {
	if cfg.ImageDir != "" {
		paths := make(map[uint32]string, cfg.Devices)
		for d := range cfg.Devices {
			paths[uint32(d)] = filepath.Join(cfg.ImageDir, fmt.Sprintf("dev%d.img", d))
		}
		fd, err := storage.OpenFileDisk(cfg.BlockSize, cfg.Blocks, paths)
		if err != nil {
			return nil, nil, err
		}
		return fd, func() {
			_ = fd.Sync()
			_ = fd.Close()
		}, nil
	}

	md := storage.NewMemDisk(cfg.BlockSize, cfg.Blocks)
	if cfg.LoadImage != "" {
		if err := md.LoadImage(cfg.LoadImage); err != nil {
			return nil, nil, err
		}
	}
	return md, func() {}, nil
}
