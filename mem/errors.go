package mem

import (
	"errors"
	"fmt"
)

var (
	// ErrBadAddr indicates an address outside the arena or a misaligned access.
	ErrBadAddr = errors.New("mem: address outside arena")

	// ErrArenaSize indicates an arena size or base that is not page aligned.
	ErrArenaSize = errors.New("mem: arena size and base must be page aligned")

	// ErrCorruptMetadata indicates a page tag, header or table entry that is
	// inconsistent with the structure that owns it.
	ErrCorruptMetadata = errors.New("mem: corrupt metadata")

	// ErrRefUnderflow indicates a decrement of a refcount that was already zero.
	ErrRefUnderflow = errors.New("mem: refcount underflow")

	// ErrRefOverflow indicates an increment past the header's refcount width.
	ErrRefOverflow = errors.New("mem: refcount overflow")

	// ErrUseAfterFree indicates a reference operation on an object that is not allocated.
	ErrUseAfterFree = errors.New("mem: use after free")
)

// FatalError is the panic value for invariant violations that cannot be
// recovered locally. Continuing after one risks silent memory corruption, so
// the memory manager never recovers from it.
type FatalError struct {
	Err  error  // One of the Err* sentinels above
	Addr Addr   // Address involved, 0 if not applicable
	Msg  string // Human-readable detail
}

func (e *FatalError) Error() string {
	if e.Addr == Null {
		return fmt.Sprintf("%v: %s", e.Err, e.Msg)
	}
	return fmt.Sprintf("%v: %s (addr 0x%X)", e.Err, e.Msg, uint64(e.Addr))
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatalf halts with a *FatalError wrapping err.
func Fatalf(err error, addr Addr, format string, args ...any) {
	panic(&FatalError{Err: err, Addr: addr, Msg: fmt.Sprintf(format, args...)})
}
