package mem

import (
	"fmt"

	"github.com/joshuapare/kernmem/internal/buf"
	"github.com/joshuapare/kernmem/internal/format"
)

// DefaultBase is the address of the first arena byte when the caller does not
// supply one. It mirrors the 1 MiB low-memory region a kernel keeps reserved.
const DefaultBase Addr = 0x100000

// Arena is the raw memory range handed over by platform bring-up. On
// linux/darwin it is an anonymous private mapping; elsewhere a byte slice.
//
// Every read or write of object headers, bodies, handle entries and the page
// table goes through the accessors below. They are the only place where
// addresses are turned into byte offsets.
//
// NOT thread-safe. The memory manager serializes access.
type Arena struct {
	data   []byte
	base   Addr
	mapped bool
}

// NewArena reserves size bytes of backing memory addressed from base.
// Both must be page aligned and base must be non-zero.
func NewArena(base Addr, size int) (*Arena, error) {
	if base == Null || base.PageOffset() != 0 || size <= 0 || size%format.PageSize != 0 {
		return nil, fmt.Errorf("%w: base=0x%X size=%d", ErrArenaSize, uint64(base), size)
	}
	data, mapped, err := mapArena(size)
	if err != nil {
		return nil, fmt.Errorf("mem: reserve %d bytes: %w", size, err)
	}
	return &Arena{data: data, base: base, mapped: mapped}, nil
}

// Close returns the backing memory to the host.
func (a *Arena) Close() error {
	if a == nil || a.data == nil {
		return nil
	}
	err := unmapArena(a.data, a.mapped)
	a.data = nil
	return err
}

// Bytes exposes the whole arena. Used by tooling that dumps raw pages.
func (a *Arena) Bytes() []byte { return a.data }

// Base returns the address of the first byte.
func (a *Arena) Base() Addr { return a.base }

// Size returns the arena size in bytes.
func (a *Arena) Size() int { return len(a.data) }

// End returns the first address past the arena.
func (a *Arena) End() Addr { return a.base.Add(len(a.data)) }

// Pages returns the number of pages in the arena.
func (a *Arena) Pages() int { return len(a.data) >> format.PageShift }

// Contains reports whether [addr, addr+n) lies inside the arena.
func (a *Arena) Contains(addr Addr, n int) bool {
	if addr < a.base {
		return false
	}
	return buf.Has(a.data, int(addr-a.base), n)
}

// Check returns ErrBadAddr unless [addr, addr+n) lies inside the arena.
// Use it on addresses supplied by callers; the accessors treat a bad address
// as corrupt metadata.
func (a *Arena) Check(addr Addr, n int) error {
	if !a.Contains(addr, n) {
		return fmt.Errorf("%w: 0x%X+%d", ErrBadAddr, uint64(addr), n)
	}
	return nil
}

// Offset converts an address to a byte offset into Bytes().
func (a *Arena) Offset(addr Addr) int {
	return a.mustOffset(addr, 0)
}

// AddrOf converts a byte offset into an address.
func (a *Arena) AddrOf(off int) Addr { return a.base.Add(off) }

func (a *Arena) mustOffset(addr Addr, n int) int {
	if !a.Contains(addr, n) {
		Fatalf(ErrCorruptMetadata, addr, "access of %d bytes outside arena [0x%X, 0x%X)",
			n, uint64(a.base), uint64(a.End()))
	}
	return int(addr - a.base)
}

// U8 reads one byte.
func (a *Arena) U8(addr Addr) uint8 { return format.ReadU8(a.data, a.mustOffset(addr, 1)) }

// PutU8 writes one byte.
func (a *Arena) PutU8(addr Addr, v uint8) { format.PutU8(a.data, a.mustOffset(addr, 1), v) }

// U16 reads a little-endian uint16.
func (a *Arena) U16(addr Addr) uint16 { return format.ReadU16(a.data, a.mustOffset(addr, 2)) }

// PutU16 writes a little-endian uint16.
func (a *Arena) PutU16(addr Addr, v uint16) { format.PutU16(a.data, a.mustOffset(addr, 2), v) }

// U32 reads a little-endian uint32.
func (a *Arena) U32(addr Addr) uint32 { return format.ReadU32(a.data, a.mustOffset(addr, 4)) }

// PutU32 writes a little-endian uint32.
func (a *Arena) PutU32(addr Addr, v uint32) { format.PutU32(a.data, a.mustOffset(addr, 4), v) }

// U64 reads a little-endian uint64.
func (a *Arena) U64(addr Addr) uint64 { return format.ReadU64(a.data, a.mustOffset(addr, 8)) }

// PutU64 writes a little-endian uint64.
func (a *Arena) PutU64(addr Addr, v uint64) { format.PutU64(a.data, a.mustOffset(addr, 8), v) }

// Ref reads the reference word at addr.
func (a *Arena) Ref(addr Addr) Addr { return Addr(a.U64(addr)) }

// PutRef writes the reference word at addr.
func (a *Arena) PutRef(addr Addr, v Addr) { a.PutU64(addr, uint64(v)) }

// Slice returns the n bytes at addr, aliasing arena memory.
func (a *Arena) Slice(addr Addr, n int) []byte {
	off := a.mustOffset(addr, n)
	return a.data[off : off+n : off+n]
}

// Zero clears n bytes at addr.
func (a *Arena) Zero(addr Addr, n int) {
	clear(a.Slice(addr, n))
}

// Discard tells the host that the pages covering [addr, addr+n) are no longer
// needed. Their contents are undefined afterwards; the page allocator zeroes
// pages again when it hands them out. addr and n must be page aligned.
func (a *Arena) Discard(addr Addr, n int) {
	if n <= 0 {
		return
	}
	if addr.PageOffset() != 0 || n%format.PageSize != 0 {
		Fatalf(ErrCorruptMetadata, addr, "discard of unaligned range (%d bytes)", n)
	}
	discardPages(a.Slice(addr, n), a.mapped)
}
