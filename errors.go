package tokencache

import "errors"

// Factory errors pass through verbatim; the cache only introduces errors for
// key validation and lifecycle misuse.
var (
	// ErrInvalidKey is returned when a key has a blank scope or operation.
	// Rejected before any admission lock is taken.
	ErrInvalidKey = errors.New("tokencache: invalid key")

	// ErrClosed is returned by operations on a cache after Close.
	ErrClosed = errors.New("tokencache: cache is closed")
)
