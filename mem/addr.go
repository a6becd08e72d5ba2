package mem

import "github.com/joshuapare/kernmem/internal/format"

// Addr is an address inside the arena. Object references, root slots and
// handle targets are all Addrs.
type Addr uint64

// Null is the null reference. Arenas never start at 0, so no object lives there.
const Null Addr = 0

// IsNull reports whether a is the null reference.
func (a Addr) IsNull() bool { return a == Null }

// Add returns a + n.
func (a Addr) Add(n int) Addr { return a + Addr(n) }

// Sub returns a - n.
func (a Addr) Sub(n int) Addr { return a - Addr(n) }

// PageBase returns the address of the page containing a.
func (a Addr) PageBase() Addr { return a &^ Addr(format.PageMask) }

// PageOffset returns the offset of a within its page.
func (a Addr) PageOffset() int { return int(a & Addr(format.PageMask)) }
