package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func block(size int, b byte) []byte { return bytes.Repeat([]byte{b}, size) }

func TestMemDisk_ReadUnwrittenIsZero(t *testing.T) {
	t.Parallel()

	d := NewMemDisk(16, 8)
	p := block(16, 0xff)
	require.NoError(t, d.ReadWriteBlock(1, 3, p, false))
	assert.Equal(t, make([]byte, 16), p)
	assert.EqualValues(t, 1, d.Reads())
}

func TestMemDisk_WriteThenRead(t *testing.T) {
	t.Parallel()

	d := NewMemDisk(16, 8)
	require.NoError(t, d.ReadWriteBlock(1, 3, block(16, 'a'), true))
	require.NoError(t, d.ReadWriteBlock(2, 3, block(16, 'b'), true))

	p := make([]byte, 16)
	require.NoError(t, d.ReadWriteBlock(1, 3, p, false))
	assert.Equal(t, block(16, 'a'), p)
	assert.Equal(t, block(16, 'b'), d.Peek(2, 3))
	assert.EqualValues(t, 2, d.Writes())
}

func TestMemDisk_Errors(t *testing.T) {
	t.Parallel()

	d := NewMemDisk(16, 8)
	require.ErrorIs(t, d.ReadWriteBlock(0, 8, make([]byte, 16), false), ErrOutOfRange)
	require.ErrorIs(t, d.ReadWriteBlock(0, 0, make([]byte, 15), false), ErrBadSize)
}

func TestMemDisk_FailAfter(t *testing.T) {
	t.Parallel()

	d := NewMemDisk(16, 8)
	d.FailAfter(2)
	p := make([]byte, 16)
	require.NoError(t, d.ReadWriteBlock(0, 0, p, false))
	require.NoError(t, d.ReadWriteBlock(0, 1, p, true))
	require.ErrorIs(t, d.ReadWriteBlock(0, 2, p, false), ErrInjected)

	d.SetFault(nil)
	require.NoError(t, d.ReadWriteBlock(0, 2, p, false))
}

func TestMemDisk_CustomFault(t *testing.T) {
	t.Parallel()

	errBoom := errors.New("boom")
	d := NewMemDisk(16, 8)
	d.SetFault(func(_, blockno uint32, write bool) error {
		if write && blockno == 5 {
			return errBoom
		}
		return nil
	})
	require.NoError(t, d.ReadWriteBlock(0, 5, make([]byte, 16), false))
	require.ErrorIs(t, d.ReadWriteBlock(0, 5, make([]byte, 16), true), errBoom)
}

func TestMemDisk_SnapshotRestore(t *testing.T) {
	t.Parallel()

	src := NewMemDisk(32, 64)
	src.Poke(1, 0, block(32, 'x'))
	src.Poke(1, 63, block(32, 'y'))
	src.Poke(7, 10, block(32, 'z'))

	var img bytes.Buffer
	require.NoError(t, src.Snapshot(&img))

	dst := NewMemDisk(32, 64)
	dst.Poke(9, 9, block(32, 'q')) // replaced by Restore
	require.NoError(t, dst.Restore(&img))

	assert.Equal(t, block(32, 'x'), dst.Peek(1, 0))
	assert.Equal(t, block(32, 'y'), dst.Peek(1, 63))
	assert.Equal(t, block(32, 'z'), dst.Peek(7, 10))
	assert.Equal(t, make([]byte, 32), dst.Peek(9, 9))
}

func TestMemDisk_RestoreRejectsGeometry(t *testing.T) {
	t.Parallel()

	src := NewMemDisk(32, 64)
	src.Poke(1, 0, block(32, 'x'))
	var img bytes.Buffer
	require.NoError(t, src.Snapshot(&img))

	require.ErrorIs(t, NewMemDisk(64, 64).Restore(&img), ErrBadImage)
}

func TestMemDisk_SaveLoadImage(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "disk.img")
	src := NewMemDisk(16, 4)
	src.Poke(0, 2, block(16, 'k'))
	require.NoError(t, src.SaveImage(path))

	dst := NewMemDisk(16, 4)
	require.NoError(t, dst.LoadImage(path))
	assert.Equal(t, block(16, 'k'), dst.Peek(0, 2))

	require.Error(t, dst.LoadImage(filepath.Join(t.TempDir(), "missing.img")))
}

// rawImage compresses the given header words as an image stream.
func rawImage(t *testing.T, words ...uint32) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	require.NoError(t, binary.Write(enc, binary.LittleEndian, words))
	require.NoError(t, enc.Close())
	return &buf
}

func TestMemDisk_RestoreRejectsHostileCounts(t *testing.T) {
	t.Parallel()

	cases := map[string][]uint32{
		"huge device count":  {imageMagic, imageVersion, 16, 8, 0xFFFFFFF0},
		"huge block count":   {imageMagic, imageVersion, 16, 8, 1, 0, 0xFFFFFFFF},
		"block count > disk": {imageMagic, imageVersion, 16, 8, 1, 0, 9},
		"truncated header":   {imageMagic, imageVersion, 16},
	}
	for name, words := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			d := NewMemDisk(16, 8)
			d.Poke(0, 1, block(16, 'k'))
			require.ErrorIs(t, d.Restore(rawImage(t, words...)), ErrBadImage)
			assert.Equal(t, block(16, 'k'), d.Peek(0, 1), "failed restore keeps contents")
		})
	}
}
