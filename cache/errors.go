package cache

import "errors"

var (
	// ErrNoTransport indicates Options.Transport was nil.
	ErrNoTransport = errors.New("cache: transport is required")

	// ErrNoPageCache indicates Options.Pages was nil.
	ErrNoPageCache = errors.New("cache: page cache is required")

	// ErrBadWriteSize indicates the transport negotiated a non-positive
	// write size.
	ErrBadWriteSize = errors.New("cache: transport write size must be positive")

	// ErrBusyFile indicates Forget was called while records are still
	// outstanding for the file.
	ErrBusyFile = errors.New("cache: file has outstanding records")
)

// errConflict signals that the existing record for a page cannot absorb the
// new write (wrong list, or disjoint range) and must be flushed out before
// the write retries.
var errConflict = errors.New("cache: conflicting record")
