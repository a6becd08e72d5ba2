package page

import "errors"

var (
	// ErrOutOfMemory indicates no run of the requested number of contiguous Empty pages exists.
	ErrOutOfMemory = errors.New("page: out of memory")

	// ErrBadCount indicates a page count <= 0.
	ErrBadCount = errors.New("page: page count must be positive")

	// ErrBadKind indicates an attempt to lease pages with a non-leasable kind.
	ErrBadKind = errors.New("page: kind cannot be leased")

	// ErrArenaTooSmall indicates the arena cannot hold the reserved region, the RAT and one usable page.
	ErrArenaTooSmall = errors.New("page: arena too small for page table")
)
