package pagestore

import (
	"errors"
	"fmt"
)

// assertInvariant panics with a formatted "pagestore: " message when cond is
// false. It is the Go stand-in for the assert! calls in page_manager.rs:
// handle-exclusivity, open-dirty-pages-empty before a commit-family call,
// and no-frees-in-a-non-durable-commit are all caller-protocol violations a
// single-writer must never trigger, not I/O errors a caller can recover
// from.
func assertInvariant(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(fmt.Sprintf("pagestore: "+format, args...))
	}
}

var (
	// ErrAllocatorFull is returned by Allocate when the page allocator has
	// no free index left. Recoverable: the caller may free pages and retry.
	ErrAllocatorFull = errors.New("pagestore: allocator exhausted")

	// ErrAlreadyOpen is not returned by any function in this package: Open
	// does not track which mappings are open, and opening an already opened
	// mapping again succeeds.
	ErrAlreadyOpen = errors.New("pagestore: already open")

	// ErrDirtyOnOpen is returned by Open when a transaction slot's
	// allocator region is marked dirty at open time. Recovery-by-rebuild
	// is not implemented (see DESIGN.md); this is fatal to the open call.
	ErrDirtyOnOpen = errors.New("pagestore: allocator state dirty on open, recovery required")

	// ErrMappingTooSmall is returned when the backing mapping is smaller
	// than the metapage, or too small to hold any usable pages once the
	// allocator regions are reserved.
	ErrMappingTooSmall = errors.New("pagestore: mapping too small")

	// ErrPageSizeMismatch is returned when a requested page size does not
	// match the page size recorded in an already-initialized mapping.
	ErrPageSizeMismatch = errors.New("pagestore: requested page size does not match stored page size")

	// ErrDBSizeMismatch is returned when the db_size recorded in the
	// metapage does not match the length of the mapping passed to Open.
	ErrDBSizeMismatch = errors.New("pagestore: stored db size does not match mapping length")
)
