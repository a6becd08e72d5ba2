// Package buf provides overflow-checked arithmetic for object and array sizes
// and bounds-checked sub-slicing of arena memory.
package buf

import (
	"fmt"
	"math"
)

// AddOverflowSafe adds a and b, returning ok = false when the result would overflow int.
func AddOverflowSafe(a, b int) (int, bool) {
	switch {
	case b > 0 && a > math.MaxInt-b:
		return 0, false
	case b < 0 && a < math.MinInt-b:
		return 0, false
	default:
		return a + b, true
	}
}

// MulOverflowSafe multiplies two non-negative ints, returning ok = false on
// overflow or when either operand is negative.
func MulOverflowSafe(a, b int) (int, bool) {
	if a < 0 || b < 0 {
		return 0, false
	}
	if a == 0 || b == 0 {
		return 0, true
	}
	if a > math.MaxInt/b {
		return 0, false
	}
	return a * b, true
}

// ArraySize returns base + length*elemSize, the body size of an array with
// length elements. It rejects negative inputs and any overflow:
//
//	size, err := buf.ArraySize(format.ArrayHeaderSize, n, 8)
//	if err != nil {
//	    return 0, fmt.Errorf("array: %w", err)
//	}
func ArraySize(base, length, elemSize int) (int, error) {
	if base < 0 {
		return 0, fmt.Errorf("negative base size: %d", base)
	}
	if length < 0 {
		return 0, fmt.Errorf("negative length: %d", length)
	}
	if elemSize < 0 {
		return 0, fmt.Errorf("negative element size: %d", elemSize)
	}

	payload, ok := MulOverflowSafe(length, elemSize)
	if !ok {
		return 0, fmt.Errorf("overflow: length=%d * elemSize=%d", length, elemSize)
	}

	total, ok := AddOverflowSafe(base, payload)
	if !ok {
		return 0, fmt.Errorf("overflow: base=%d + payload=%d", base, payload)
	}
	return total, nil
}

// Slice returns the sub-slice [off:off+n] if it fits within len(b).
func Slice(b []byte, off, n int) ([]byte, bool) {
	if off < 0 || n < 0 || off > len(b) {
		return nil, false
	}
	end, ok := AddOverflowSafe(off, n)
	if !ok || end > len(b) {
		return nil, false
	}
	return b[off:end:end], true
}

// Has reports whether b[off:off+n] is within bounds.
func Has(b []byte, off, n int) bool {
	_, ok := Slice(b, off, n)
	return ok
}
