package handle

import "errors"

var (
	// ErrTableFull indicates every entry of the table is in use.
	ErrTableFull = errors.New("handle: table full")

	// ErrBadHandle indicates a handle that was never issued or has been freed.
	ErrBadHandle = errors.New("handle: invalid or stale handle")

	// ErrBadKind indicates an operation that does not apply to the handle's kind.
	ErrBadKind = errors.New("handle: wrong handle kind")
)
