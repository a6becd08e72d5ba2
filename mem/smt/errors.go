package smt

import "errors"

var (
	// ErrBadSize indicates a request of zero bytes or above format.MaxSmallSize.
	ErrBadSize = errors.New("smt: size outside the small-object range")

	// ErrBadConfig indicates a size class configuration that cannot produce a ladder.
	ErrBadConfig = errors.New("smt: invalid size class config")
)
