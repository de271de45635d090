package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	"github.com/IvanBrykalov/bcache/cache"
)

// errQuit ends the command loop normally.
var errQuit = errors.New("quit")

// handle is a buffer the shell holds, pins, or both.
type handle struct {
	b    *cache.Buffer
	held bool // content lock owned by the shell
	pins int
}

type key struct{ dev, blockno uint32 }

// REPL is the interactive command loop.
type REPL struct {
	cache   cache.Cache
	out     io.Writer
	liner   *liner.State
	handles map[int]*handle
	nextID  int
}

func newREPL(c cache.Cache, out io.Writer) *REPL {
	return &REPL{cache: c, out: out, handles: make(map[int]*handle), nextID: 1}
}

// historyFile returns the path to the history file.
func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".bcsh_history")
}

// Run reads commands until EOF, quit, or a fatal cache error.
func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		_, _ = r.liner.ReadHistory(f)
		f.Close()
	}
	defer r.saveHistory()

	for {
		line, err := r.liner.Prompt("bcsh> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(r.out, "\nBye!")
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r.liner.AppendHistory(line)

		switch err := r.exec(line); {
		case errors.Is(err, errQuit):
			fmt.Fprintln(r.out, "Bye!")
			return nil
		case err != nil:
			return err
		}
	}
}

// saveHistory persists command history to disk.
func (r *REPL) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			_, _ = r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

var commands = []string{
	"load", "write", "cat", "store", "release",
	"pin", "unpin", "handles", "dump", "stats",
	"help", "exit", "quit", "q",
}

// completer provides tab completion for commands.
func (r *REPL) completer(line string) []string {
	var completions []string
	lower := strings.ToLower(line)
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}
	return completions
}

// exec runs one command line. A fatal cache panic is returned as an error;
// usage mistakes are reported on r.out and return nil.
func (r *REPL) exec(line string) (err error) {
	defer func() {
		if v := recover(); v != nil {
			if e, ok := v.(error); ok {
				err = fmt.Errorf("fatal: %w", e)
				return
			}
			err = fmt.Errorf("fatal: %v", v)
		}
	}()

	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(parts[0]), parts[1:]

	switch cmd {
	case "exit", "quit", "q":
		return errQuit
	case "help", "?":
		r.printHelp()
	case "load":
		r.cmdLoad(args)
	case "write":
		r.cmdWrite(args)
	case "cat":
		r.cmdCat(args)
	case "store":
		if h := r.heldHandle(args, "store <h>"); h != nil {
			r.cache.Store(h.b)
			fmt.Fprintf(r.out, "OK: stored %d/%d\n", h.b.Dev(), h.b.BlockNo())
		}
	case "release":
		r.cmdRelease(args)
	case "pin":
		r.cmdPin(args)
	case "unpin":
		r.cmdUnpin(args)
	case "handles":
		r.cmdHandles()
	case "dump":
		r.cmdDump()
	case "stats":
		r.cmdStats()
	default:
		fmt.Fprintf(r.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return nil
}

func (r *REPL) printHelp() {
	fmt.Fprintln(r.out, "Commands:")
	fmt.Fprintln(r.out, "  load <dev> <blk>           Load a block, returns a handle")
	fmt.Fprintln(r.out, "  write <h> <off> <text>     Copy text into the buffer at offset")
	fmt.Fprintln(r.out, "  cat <h> [n]                Hex dump the first n bytes (default: 64)")
	fmt.Fprintln(r.out, "  store <h>                  Write the buffer through to the device")
	fmt.Fprintln(r.out, "  release <h>                Release the buffer")
	fmt.Fprintln(r.out, "  pin <h> / unpin <h>        Add or drop a pin")
	fmt.Fprintln(r.out, "  handles                    List open handles")
	fmt.Fprintln(r.out, "  dump                       Print every bucket in MRU order")
	fmt.Fprintln(r.out, "  stats                      Print counters")
	fmt.Fprintln(r.out, "  help                       Show this help")
	fmt.Fprintln(r.out, "  exit / quit / q            Exit")
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, "Loading a block the shell already holds would block forever and is refused.")
}

func (r *REPL) cmdLoad(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(r.out, "Usage: load <dev> <blk>")
		return
	}
	dev, err := parseU32(args[0])
	if err == nil && dev == cache.NoDev {
		err = errors.New("device id is reserved")
	}
	if err != nil {
		fmt.Fprintf(r.out, "Error parsing dev: %v\n", err)
		return
	}
	blk, err := parseU32(args[1])
	if err != nil {
		fmt.Fprintf(r.out, "Error parsing blk: %v\n", err)
		return
	}
	k := key{dev, blk}
	for id, h := range r.handles {
		if h.held && (key{h.b.Dev(), h.b.BlockNo()}) == k {
			fmt.Fprintf(r.out, "Error: %d/%d already held as handle %d\n", dev, blk, id)
			return
		}
	}

	b := r.cache.Load(dev, blk)

	// Reuse a pinned handle for the same buffer.
	for id, h := range r.handles {
		if h.b == b {
			h.held = true
			fmt.Fprintf(r.out, "h%d = %d/%d\n", id, dev, blk)
			return
		}
	}
	id := r.nextID
	r.nextID++
	r.handles[id] = &handle{b: b, held: true}
	fmt.Fprintf(r.out, "h%d = %d/%d\n", id, dev, blk)
}

func (r *REPL) cmdWrite(args []string) {
	if len(args) < 3 {
		fmt.Fprintln(r.out, "Usage: write <h> <off> <text>")
		return
	}
	h := r.heldHandle(args[:1], "write <h> <off> <text>")
	if h == nil {
		return
	}
	off, err := strconv.Atoi(args[1])
	data := h.b.Data()
	if err != nil || off < 0 || off >= len(data) {
		fmt.Fprintf(r.out, "Error: offset must be in [0, %d)\n", len(data))
		return
	}
	n := copy(data[off:], strings.Join(args[2:], " "))
	fmt.Fprintf(r.out, "OK: wrote %d bytes (not stored)\n", n)
}

func (r *REPL) cmdCat(args []string) {
	h := r.heldHandle(args[:min(1, len(args))], "cat <h> [n]")
	if h == nil {
		return
	}
	n := 64
	if len(args) > 1 {
		v, err := strconv.Atoi(args[1])
		if err != nil || v <= 0 {
			fmt.Fprintln(r.out, "Error: n must be a positive integer")
			return
		}
		n = v
	}
	data := h.b.Data()
	fmt.Fprint(r.out, hex.Dump(data[:min(n, len(data))]))
}

func (r *REPL) cmdRelease(args []string) {
	h := r.heldHandle(args, "release <h>")
	if h == nil {
		return
	}
	r.cache.Release(h.b)
	h.held = false
	r.forget(args[0], h)
	fmt.Fprintln(r.out, "OK: released")
}

func (r *REPL) cmdPin(args []string) {
	h := r.heldHandle(args, "pin <h>")
	if h == nil {
		return
	}
	r.cache.Pin(h.b)
	h.pins++
	fmt.Fprintf(r.out, "OK: pins=%d\n", h.pins)
}

func (r *REPL) cmdUnpin(args []string) {
	h := r.lookupHandle(args, "unpin <h>")
	if h == nil {
		return
	}
	if h.pins == 0 {
		fmt.Fprintln(r.out, "Error: handle is not pinned")
		return
	}
	r.cache.Unpin(h.b)
	h.pins--
	r.forget(args[0], h)
	fmt.Fprintf(r.out, "OK: pins=%d\n", h.pins)
}

func (r *REPL) cmdHandles() {
	if len(r.handles) == 0 {
		fmt.Fprintln(r.out, "(no handles)")
		return
	}
	ids := make([]int, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		h := r.handles[id]
		fmt.Fprintf(r.out, "h%-3d %d/%d held=%v pins=%d\n", id, h.b.Dev(), h.b.BlockNo(), h.held, h.pins)
	}
}

func (r *REPL) cmdDump() {
	for _, bs := range r.cache.Snapshot() {
		fmt.Fprintf(r.out, "bucket %d:", bs.Index)
		for _, b := range bs.Buffers {
			switch {
			case b.Dev == cache.NoDev:
				fmt.Fprint(r.out, " [-]")
			case b.Valid:
				fmt.Fprintf(r.out, " [%d/%d r=%d]", b.Dev, b.BlockNo, b.RefCnt)
			default:
				fmt.Fprintf(r.out, " [%d/%d r=%d !v]", b.Dev, b.BlockNo, b.RefCnt)
			}
		}
		fmt.Fprintln(r.out)
	}
}

func (r *REPL) cmdStats() {
	st := r.cache.Stats()
	fmt.Fprintf(r.out, "hits=%d misses=%d recycles=%d steals=%d reads=%d writes=%d in_use=%d\n",
		st.Hits, st.Misses, st.Recycles, st.Steals, st.Reads, st.Writes, st.InUse)
	for i, b := range st.Buckets {
		fmt.Fprintf(r.out, "  bucket %2d: resident=%d hits=%d misses=%d in=%d out=%d\n",
			i, b.Resident, b.Hits, b.Misses, b.StealsIn, b.StealsOut)
	}
}

// lookupHandle resolves args[0] ("h3" or "3") to an open handle.
func (r *REPL) lookupHandle(args []string, usage string) *handle {
	if len(args) != 1 {
		fmt.Fprintf(r.out, "Usage: %s\n", usage)
		return nil
	}
	id, err := strconv.Atoi(strings.TrimPrefix(args[0], "h"))
	if err != nil {
		fmt.Fprintf(r.out, "Error: bad handle %q\n", args[0])
		return nil
	}
	h, ok := r.handles[id]
	if !ok {
		fmt.Fprintf(r.out, "Error: no handle %d\n", id)
		return nil
	}
	return h
}

// heldHandle is lookupHandle restricted to handles whose buffer is held.
func (r *REPL) heldHandle(args []string, usage string) *handle {
	h := r.lookupHandle(args, usage)
	if h != nil && !h.held {
		fmt.Fprintln(r.out, "Error: handle is released (load it again)")
		return nil
	}
	return h
}

// forget drops a handle that is neither held nor pinned.
func (r *REPL) forget(arg string, h *handle) {
	if h.held || h.pins > 0 {
		return
	}
	id, _ := strconv.Atoi(strings.TrimPrefix(arg, "h"))
	delete(r.handles, id)
}

func parseU32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	return uint32(v), err
}
