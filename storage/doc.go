// Package storage provides block devices for the buffer cache.
//
// Every device implements the synchronous
//
//	ReadWriteBlock(dev, blockno uint32, data []byte, write bool) error
//
// contract expected by cache.Backend: the call blocks until the operation
// completes, a read fills data, a write persists it. Implementations are
// safe for concurrent use.
//
// # Built-in Implementations
//
//   - MemDisk: in-memory disks with fault injection and zstd-compressed
//     image snapshots (SaveImage/LoadImage write files atomically)
//   - FileDisk: one image file per device, positional I/O
//   - Throttled: wraps any Device with an operations-per-second limit
package storage

import "errors"

// Device is a synchronous block device.
type Device interface {
	ReadWriteBlock(dev, blockno uint32, data []byte, write bool) error
}

var (
	// ErrOutOfRange is returned for a block number past the end of the device
	// or an unknown device id.
	ErrOutOfRange = errors.New("storage: block out of range")

	// ErrBadSize is returned when data is not exactly one block long.
	ErrBadSize = errors.New("storage: buffer size mismatch")

	// ErrInjected is the default error produced by a MemDisk fault hook.
	ErrInjected = errors.New("storage: injected fault")

	// ErrClosed is returned by a FileDisk after Close.
	ErrClosed = errors.New("storage: device closed")
)
