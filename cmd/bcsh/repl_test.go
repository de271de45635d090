package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/bcache/cache"
	"github.com/IvanBrykalov/bcache/storage"
)

func newTestREPL(t *testing.T, buffers, buckets int) (*REPL, *bytes.Buffer, *storage.MemDisk) {
	t.Helper()
	d := storage.NewMemDisk(32, 100)
	c := cache.New(cache.Options{Buffers: buffers, Buckets: buckets, BlockSize: 32, Backend: d})
	t.Cleanup(func() { _ = c.Close() })
	out := &bytes.Buffer{}
	return newREPL(c, out), out, d
}

// execAll executes lines and returns the output of the last one.
func execAll(t *testing.T, r *REPL, out *bytes.Buffer, lines ...string) string {
	t.Helper()
	for _, l := range lines {
		out.Reset()
		require.NoError(t, r.exec(l), l)
	}
	return out.String()
}

func TestREPL_LoadWriteStoreRelease(t *testing.T) {
	t.Parallel()
	r, out, d := newTestREPL(t, 4, 2)

	assert.Equal(t, "h1 = 0/3\n", execAll(t, r, out, "load 0 3"))
	assert.Contains(t, execAll(t, r, out, "write h1 2 hi there"), "wrote 8 bytes")
	assert.Contains(t, execAll(t, r, out, "store 1"), "stored 0/3")
	assert.Contains(t, execAll(t, r, out, "release h1"), "released")
	assert.Equal(t, "hi there", string(d.Peek(0, 3)[2:10]))
	assert.Equal(t, "(no handles)\n", execAll(t, r, out, "handles"))
	assert.Contains(t, execAll(t, r, out, "store h1"), "no handle 1")
}

func TestREPL_RefusesSelfDeadlock(t *testing.T) {
	t.Parallel()
	r, out, _ := newTestREPL(t, 4, 2)

	execAll(t, r, out, "load 1 5")
	assert.Contains(t, execAll(t, r, out, "load 1 5"), "already held as handle 1")
	assert.Contains(t, execAll(t, r, out, "load 4294967295 0"), "reserved")
}

func TestREPL_PinKeepsHandle(t *testing.T) {
	t.Parallel()
	r, out, _ := newTestREPL(t, 4, 2)

	execAll(t, r, out, "load 0 1", "pin h1", "release h1")
	assert.Contains(t, execAll(t, r, out, "handles"), "held=false pins=1")
	assert.Contains(t, execAll(t, r, out, "write h1 0 x"), "handle is released")
	assert.Contains(t, execAll(t, r, out, "dump"), "[0/1 r=1]")

	// Loading the pinned block again reuses its handle.
	assert.Equal(t, "h1 = 0/1\n", execAll(t, r, out, "load 0 1"))
	execAll(t, r, out, "release h1", "unpin h1")
	assert.Equal(t, "(no handles)\n", execAll(t, r, out, "handles"))
	assert.Contains(t, execAll(t, r, out, "stats"), "in_use=0")
}

func TestREPL_UsageErrors(t *testing.T) {
	t.Parallel()
	r, out, _ := newTestREPL(t, 4, 2)

	assert.Contains(t, execAll(t, r, out, "load 1"), "Usage: load")
	assert.Contains(t, execAll(t, r, out, "load x 1"), "Error parsing dev")
	assert.Contains(t, execAll(t, r, out, "cat"), "Usage: cat")
	assert.Contains(t, execAll(t, r, out, "unpin h9"), "no handle 9")
	assert.Contains(t, execAll(t, r, out, "frobnicate"), "Unknown command")
	execAll(t, r, out, "load 0 0")
	assert.Contains(t, execAll(t, r, out, "write h1 99 x"), "offset must be in [0, 32)")
	assert.Contains(t, execAll(t, r, out, "unpin h1"), "not pinned")
	assert.True(t, errors.Is(r.exec("quit"), errQuit))
}

func TestREPL_ExhaustionIsFatal(t *testing.T) {
	t.Parallel()
	r, out, _ := newTestREPL(t, 2, 1)

	execAll(t, r, out, "load 0 0", "load 0 1")
	err := r.exec("load 0 2")
	require.Error(t, err)
	assert.ErrorIs(t, err, cache.ErrPoolExhausted)
}
