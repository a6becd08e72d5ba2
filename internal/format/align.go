package format

// Alignment utilities for slots, headers and page runs.

// AlignUp returns n rounded up to a multiple of align, which must be a power of two.
//
// Example:
//
//	AlignUp(1, 4)  = 4
//	AlignUp(4, 4)  = 4
//	AlignUp(5, 8)  = 8
func AlignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// Align4 returns n aligned up to the next 4-byte boundary.
// Size classes are multiples of 4 so that bodies following the 4-byte small
// header stay 4-byte aligned.
func Align4(n int) int {
	return AlignUp(n, 4)
}

// Align8 returns n aligned up to the next 8-byte boundary.
func Align8(n int) int {
	return AlignUp(n, WordSize)
}

// AlignPage returns n aligned up to the next page boundary.
//
// Example:
//
//	AlignPage(1)    = 4096
//	AlignPage(4096) = 4096
//	AlignPage(4097) = 8192
func AlignPage(n int) int {
	return AlignUp(n, PageSize)
}

// PagesFor returns how many pages are needed to hold n bytes.
func PagesFor(n int) int {
	return AlignPage(n) >> PageShift
}
