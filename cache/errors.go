package cache

import "errors"

// Fatal conditions. The cache never returns these; it logs and panics with an
// error wrapping one of them, so a recovering caller can test with errors.Is.
var (
	// ErrProtocolViolation reports a caller bug: Store or Release without the
	// content lock held, or Unpin of an unreferenced buffer.
	ErrProtocolViolation = errors.New("cache: protocol violation")

	// ErrPoolExhausted is raised when no bucket has an unreferenced buffer.
	ErrPoolExhausted = errors.New("cache: no buffers")

	// ErrStorageIO wraps a failure reported by the Backend.
	ErrStorageIO = errors.New("cache: storage I/O failure")

	// ErrClosed is raised by operations on a closed cache.
	ErrClosed = errors.New("cache: closed")
)
