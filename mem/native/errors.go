package native

import "errors"

var (
	// ErrBadSize indicates a lease request of zero or negative bytes.
	ErrBadSize = errors.New("native: size out of range")

	// ErrNotLeased indicates an address that is not the start of a live lease.
	ErrNotLeased = errors.New("native: address is not a live lease")
)
