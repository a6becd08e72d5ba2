package kmem

import "errors"

var (
	// ErrClosed indicates use of a manager after Close.
	ErrClosed = errors.New("kmem: manager closed")

	// ErrBadSize indicates an allocation of zero or negative size.
	ErrBadSize = errors.New("kmem: allocation size must be positive")

	// ErrNotArray indicates an array operation on a non-array object.
	ErrNotArray = errors.New("kmem: not an array")

	// ErrIndexRange indicates an array index outside [0, length).
	ErrIndexRange = errors.New("kmem: index out of range")

	// ErrBadOffset indicates a field offset outside the object body.
	ErrBadOffset = errors.New("kmem: field offset outside the object")

	// ErrBadConfig indicates a configuration that cannot build a manager.
	ErrBadConfig = errors.New("kmem: invalid config")
)
