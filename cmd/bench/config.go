package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/tailscale/hujson"

	"github.com/IvanBrykalov/bcache/cache"
)

var (
	errConfigInvalid  = errors.New("invalid config")
	errConfigFileRead = errors.New("cannot read config file")
)

// config holds every tunable of a bench run. Precedence (highest wins):
// flags, then the JSONC file given by --config, then defaults.
type config struct {
	Buffers   int `json:"buffers"`
	Buckets   int `json:"buckets"`
	BlockSize int `json:"block_size"` //nolint:tagliatelle // snake_case for config file

	Devices    int     `json:"devices"`
	Blocks     uint32  `json:"blocks"`
	ImageDir   string  `json:"image_dir,omitempty"`  //nolint:tagliatelle
	LoadImage  string  `json:"load_image,omitempty"` //nolint:tagliatelle
	SaveImage  string  `json:"save_image,omitempty"` //nolint:tagliatelle
	IOPS       float64 `json:"iops"`
	QueueDepth int64   `json:"queue_depth"` //nolint:tagliatelle

	Workers  int          `json:"workers"`
	Duration jsonDuration `json:"duration"`
	WritePct int          `json:"write_pct"` //nolint:tagliatelle
	PinPct   int          `json:"pin_pct"`   //nolint:tagliatelle
	ZipfS    float64      `json:"zipf_s"`    //nolint:tagliatelle
	ZipfV    float64      `json:"zipf_v"`    //nolint:tagliatelle
	Seed     int64        `json:"seed"`

	MetricsAddr string `json:"metrics_addr"` //nolint:tagliatelle
	PprofAddr   string `json:"pprof_addr"`   //nolint:tagliatelle
	LogLevel    string `json:"log_level"`    //nolint:tagliatelle
}

// jsonDuration accepts "10s"-style strings in the config file.
type jsonDuration time.Duration

func (d *jsonDuration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = jsonDuration(v)
	return nil
}

func defaultConfig() config {
	return config{
		Buffers:     cache.DefaultBuffers * 8,
		Buckets:     cache.DefaultBuckets,
		BlockSize:   cache.DefaultBlockSize,
		Devices:     2,
		Blocks:      4096,
		Workers:     min(runtime.GOMAXPROCS(0), 16),
		Duration:    jsonDuration(10 * time.Second),
		WritePct:    20,
		PinPct:      2,
		ZipfS:       1.1,
		ZipfV:       1.0,
		Seed:        time.Now().UnixNano(),
		MetricsAddr: ":8080",
		LogLevel:    "info",
	}
}

// parseConfig resolves the run configuration from args.
func parseConfig(args []string) (config, error) {
	cfg := defaultConfig()

	fs := flag.NewFlagSet("bench", flag.ContinueOnError)
	configPath := fs.String("config", "", "JSONC config file (flags override it)")
	fs.IntVar(&cfg.Buffers, "buffers", cfg.Buffers, "pool size (buffers)")
	fs.IntVar(&cfg.Buckets, "buckets", cfg.Buckets, "number of buckets")
	fs.IntVar(&cfg.BlockSize, "block-size", cfg.BlockSize, "block size in bytes")
	fs.IntVar(&cfg.Devices, "devices", cfg.Devices, "number of devices")
	fs.Uint32Var(&cfg.Blocks, "blocks", cfg.Blocks, "blocks per device (keyspace)")
	fs.StringVar(&cfg.ImageDir, "image-dir", cfg.ImageDir, "back devices with image files in this directory (empty = memory)")
	fs.StringVar(&cfg.LoadImage, "load-image", cfg.LoadImage, "restore the memory disk from this image before the run")
	fs.StringVar(&cfg.SaveImage, "save-image", cfg.SaveImage, "save the memory disk to this image after the run")
	fs.Float64Var(&cfg.IOPS, "iops", cfg.IOPS, "device operations per second (0 = unlimited)")
	fs.Int64Var(&cfg.QueueDepth, "queue-depth", cfg.QueueDepth, "max device operations in flight (0 = unlimited)")
	fs.IntVarP(&cfg.Workers, "workers", "w", cfg.Workers, "number of worker goroutines")
	fs.DurationVarP((*time.Duration)(&cfg.Duration), "duration", "d", time.Duration(cfg.Duration), "benchmark duration")
	fs.IntVar(&cfg.WritePct, "writes", cfg.WritePct, "percentage of loads followed by a store [0..100]")
	fs.IntVar(&cfg.PinPct, "pins", cfg.PinPct, "percentage of loads that pin the buffer [0..100]")
	fs.Float64Var(&cfg.ZipfS, "zipf-s", cfg.ZipfS, "Zipf s > 1 (skew)")
	fs.Float64Var(&cfg.ZipfV, "zipf-v", cfg.ZipfV, "Zipf v >= 1")
	fs.Int64Var(&cfg.Seed, "seed", cfg.Seed, "random seed")
	fs.StringVar(&cfg.MetricsAddr, "http", cfg.MetricsAddr, "serve Prometheus metrics at addr (empty = disabled)")
	fs.StringVar(&cfg.PprofAddr, "pprof", cfg.PprofAddr, "serve pprof at addr (empty = disabled)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug | info | warn | error")

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}
	if *configPath != "" {
		if err := loadConfigFile(*configPath, &cfg); err != nil {
			return config{}, err
		}
		// Re-apply explicit flags over the file values.
		if err := fs.Parse(args); err != nil {
			return config{}, err
		}
	}
	if err := validateConfig(cfg); err != nil {
		return config{}, err
	}
	return cfg, nil
}

// loadConfigFile merges a JSONC file into cfg; absent keys keep their values.
func loadConfigFile(path string, cfg *config) error {
	data, err := os.ReadFile(path) //nolint:gosec // path is intentionally user-controlled
	if err != nil {
		return fmt.Errorf("%w: %s: %w", errConfigFileRead, path, err)
	}
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fmt.Errorf("%w %s: invalid JSONC: %w", errConfigInvalid, path, err)
	}
	if err := json.Unmarshal(standardized, cfg); err != nil {
		return fmt.Errorf("%w %s: %w", errConfigInvalid, path, err)
	}
	return nil
}

func validateConfig(cfg config) error {
	switch {
	case cfg.Buffers <= 0 || cfg.Buckets <= 0 || cfg.BlockSize <= 0:
		return fmt.Errorf("%w: buffers, buckets and block_size must be > 0", errConfigInvalid)
	case cfg.Buckets > cfg.Buffers:
		return fmt.Errorf("%w: buckets (%d) exceed buffers (%d)", errConfigInvalid, cfg.Buckets, cfg.Buffers)
	case cfg.Workers <= 0:
		return fmt.Errorf("%w: workers must be > 0", errConfigInvalid)
	case 2*cfg.Workers > cfg.Buffers:
		// each worker holds one buffer and at most one pin
		return fmt.Errorf("%w: %d workers can exhaust %d buffers", errConfigInvalid, cfg.Workers, cfg.Buffers)
	case cfg.Devices <= 0 || cfg.Blocks == 0:
		return fmt.Errorf("%w: devices and blocks must be > 0", errConfigInvalid)
	case cfg.WritePct < 0 || cfg.WritePct > 100 || cfg.PinPct < 0 || cfg.PinPct > 100:
		return fmt.Errorf("%w: percentages must be in [0..100]", errConfigInvalid)
	case cfg.QueueDepth < 0:
		return fmt.Errorf("%w: queue_depth must be >= 0", errConfigInvalid)
	case cfg.ZipfS <= 1 || cfg.ZipfV < 1:
		return fmt.Errorf("%w: zipf_s must be > 1 and zipf_v >= 1", errConfigInvalid)
	case cfg.ImageDir != "" && (cfg.LoadImage != "" || cfg.SaveImage != ""):
		return fmt.Errorf("%w: images apply to the memory disk only", errConfigInvalid)
	}
	return nil
}
