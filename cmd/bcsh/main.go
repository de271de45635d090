// bcsh is an interactive shell for driving a buffer cache by hand.
//
// Usage:
//
//	bcsh [options]
//
// Options:
//
//	-n, --buffers       Buffers in the pool (default: 30)
//	-b, --buckets       Buckets (default: 13)
//	    --block-size    Block size in bytes (default: 1024)
//	    --blocks        Blocks per device (default: 1000)
//	    --image-dir     Back devices with dev<N>.img files in this directory
//	    --devices       Devices to open under --image-dir (default: 2)
//	    --load-image    Restore the memory disk from a saved image
//	    --save-image    Save the memory disk image on exit
//	    --log-level     debug|info|warn|error (default: warn)
//
// Commands (in REPL):
//
//	load <dev> <blk>           Load a block, returns a handle
//	write <h> <off> <text>     Copy text into the buffer at offset
//	cat <h> [n]                Hex dump the first n bytes (default: 64)
//	store <h>                  Write the buffer through to the device
//	release <h>                Release the buffer
//	pin <h> / unpin <h>        Add or drop a pin
//	handles                    List open handles
//	dump                       Print every bucket in MRU order
//	stats                      Print counters
//	help                       Show this help
//	exit / quit / q            Exit
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"github.com/IvanBrykalov/bcache/cache"
	"github.com/IvanBrykalov/bcache/storage"
)

type options struct {
	buffers   int
	buckets   int
	blockSize int
	blocks    uint32
	imageDir  string
	devices   int
	loadImage string
	saveImage string
	logLevel  string
}

func parseOptions(args []string) (options, error) {
	o := options{}
	fs := flag.NewFlagSet("bcsh", flag.ContinueOnError)
	fs.IntVarP(&o.buffers, "buffers", "n", cache.DefaultBuffers, "buffers in the pool")
	fs.IntVarP(&o.buckets, "buckets", "b", cache.DefaultBuckets, "buckets")
	fs.IntVar(&o.blockSize, "block-size", cache.DefaultBlockSize, "block size in bytes")
	fs.Uint32Var(&o.blocks, "blocks", 1000, "blocks per device")
	fs.StringVar(&o.imageDir, "image-dir", "", "back devices with dev<N>.img files in this directory")
	fs.IntVar(&o.devices, "devices", 2, "devices to open under --image-dir")
	fs.StringVar(&o.loadImage, "load-image", "", "restore the memory disk from this image")
	fs.StringVar(&o.saveImage, "save-image", "", "save the memory disk image here on exit")
	fs.StringVar(&o.logLevel, "log-level", "warn", "debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if fs.NArg() > 0 {
		return o, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if o.buffers <= 0 || o.buckets <= 0 || o.buckets > o.buffers {
		return o, fmt.Errorf("need 0 < buckets <= buffers (got buckets=%d buffers=%d)", o.buckets, o.buffers)
	}
	if o.imageDir != "" && (o.loadImage != "" || o.saveImage != "") {
		return o, errors.New("--load-image/--save-image apply to the memory disk only")
	}
	return o, nil
}

func main() {
	o, err := parseOptions(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if err := run(o); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(o options) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var (
		dev storage.Device
		md  *storage.MemDisk
	)
	if o.imageDir != "" {
		paths := make(map[uint32]string, o.devices)
		for d := range o.devices {
			paths[uint32(d)] = filepath.Join(o.imageDir, fmt.Sprintf("dev%d.img", d))
		}
		fd, err := storage.OpenFileDisk(o.blockSize, o.blocks, paths)
		if err != nil {
			return err
		}
		defer func() {
			_ = fd.Sync()
			_ = fd.Close()
		}()
		dev = fd
	} else {
		md = storage.NewMemDisk(o.blockSize, o.blocks)
		if o.loadImage != "" {
			if err := md.LoadImage(o.loadImage); err != nil {
				return err
			}
		}
		dev = md
	}

	c := cache.New(cache.Options{
		Buffers:   o.buffers,
		Buckets:   o.buckets,
		BlockSize: o.blockSize,
		Backend:   dev,
		Logger:    log,
	})
	defer func() { _ = c.Close() }()

	r := newREPL(c, os.Stdout)
	fmt.Printf("bcsh - buffer cache shell (buffers=%d, buckets=%d, block_size=%d)\n",
		o.buffers, o.buckets, o.blockSize)
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()
	if err := r.Run(); err != nil {
		return err
	}

	if md != nil && o.saveImage != "" {
		if err := md.SaveImage(o.saveImage); err != nil {
			return err
		}
		fmt.Printf("image saved to %s\n", o.saveImage)
	}
	return nil
}
