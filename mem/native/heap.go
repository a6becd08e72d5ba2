// Package native leases raw memory to code outside the managed heap: the
// firmware interpreter and drivers that expect malloc, free and realloc.
// Leases carry no refcount and no type word, and the collector never frees
// them; only Free returns them.
//
// Requests up to the slot threshold are served by a SlotAllocator (the
// manager backs it with untyped small-heap slots pinned at refcount 1).
// Larger ones get their own run of Unmanaged pages. The lease table lives on
// the Go heap, keyed by lease address.
//
// NOT thread-safe.
package native

import (
	"fmt"
	"maps"
	"slices"

	"github.com/joshuapare/kernmem/internal/format"
	"github.com/joshuapare/kernmem/mem"
	"github.com/joshuapare/kernmem/mem/page"
)

// SlotAllocator serves leases of at most MaxSlotSize bytes.
type SlotAllocator interface {
	// AllocSlot returns a zeroed slot of at least size bytes and its capacity.
	AllocSlot(size int) (addr mem.Addr, capacity int, err error)
	// FreeSlot returns a slot handed out by AllocSlot.
	FreeSlot(addr mem.Addr)
}

// MaxSlotSize is the largest request served from a slot.
const MaxSlotSize = format.MaxSmallSize

// Lease describes one live lease.
type Lease struct {
	Addr     mem.Addr
	Size     int // bytes requested
	Capacity int // bytes usable without moving
	Pages    int // Unmanaged pages owned; 0 for slot leases
}

// Stats is a snapshot of native heap usage.
type Stats struct {
	Allocs       int
	Frees        int
	Reallocs     int
	Moves        int // reallocs that had to copy into a new lease
	InvalidFrees int // Free of an address that is not a live lease
	LiveLeases   int
	SlotLeases   int
	PageLeases   int
	LiveBytes    int // sum of requested sizes
	LivePages    int
}

// Heap is the native lease heap.
type Heap struct {
	pa     *page.Allocator
	arena  *mem.Arena
	slots  SlotAllocator
	leases map[mem.Addr]Lease
	stats  Stats
}

// New returns a heap leasing page runs from pa and small blocks from slots.
// slots may be nil, in which case every lease takes whole pages.
func New(pa *page.Allocator, slots SlotAllocator) *Heap {
	return &Heap{
		pa:     pa,
		arena:  pa.Arena(),
		slots:  slots,
		leases: make(map[mem.Addr]Lease),
	}
}

// Alloc leases size zeroed bytes.
func (h *Heap) Alloc(size int) (mem.Addr, error) {
	if size <= 0 {
		return mem.Null, fmt.Errorf("%w: %d", ErrBadSize, size)
	}
	l, err := h.lease(size)
	if err != nil {
		return mem.Null, err
	}
	h.stats.Allocs++
	if logAlloc {
		tracef("Alloc(%d) -> 0x%X (capacity %d, %d pages)", size, uint64(l.Addr), l.Capacity, l.Pages)
	}
	return l.Addr, nil
}

func (h *Heap) lease(size int) (Lease, error) {
	var l Lease
	if h.slots != nil && size <= MaxSlotSize {
		addr, capacity, err := h.slots.AllocSlot(size)
		if err != nil {
			return Lease{}, fmt.Errorf("native: lease %d bytes: %w", size, err)
		}
		l = Lease{Addr: addr, Size: size, Capacity: capacity}
		h.stats.SlotLeases++
	} else {
		n := format.PagesFor(size)
		addr, err := h.pa.Acquire(n, page.Unmanaged)
		if err != nil {
			return Lease{}, fmt.Errorf("native: lease %d bytes (%d pages): %w", size, n, err)
		}
		l = Lease{Addr: addr, Size: size, Capacity: n * format.PageSize, Pages: n}
		h.stats.PageLeases++
		h.stats.LivePages += n
	}
	h.leases[l.Addr] = l
	h.stats.LiveLeases++
	h.stats.LiveBytes += size
	return l, nil
}

func (h *Heap) release(l Lease) {
	delete(h.leases, l.Addr)
	if l.Pages > 0 {
		h.arena.Discard(l.Addr, l.Pages*format.PageSize)
		h.pa.Release(l.Addr, l.Pages)
		h.stats.PageLeases--
		h.stats.LivePages -= l.Pages
	} else {
		h.slots.FreeSlot(l.Addr)
		h.stats.SlotLeases--
	}
	h.stats.LiveLeases--
	h.stats.LiveBytes -= l.Size
}

// Free returns the lease at addr. Null is ignored. Freeing an address that
// is not a live lease changes nothing and returns false.
func (h *Heap) Free(addr mem.Addr) bool {
	if addr == mem.Null {
		return false
	}
	l, ok := h.leases[addr]
	if !ok {
		h.stats.InvalidFrees++
		if logAlloc {
			tracef("Free(0x%X): not a live lease", uint64(addr))
		}
		return false
	}
	h.release(l)
	h.stats.Frees++
	if logAlloc {
		tracef("Free(0x%X): %d bytes, %d pages", uint64(addr), l.Size, l.Pages)
	}
	return true
}

// Realloc resizes the lease at addr to newSize bytes and returns its
// address, which moves when the lease cannot hold newSize in place. Moving
// copies the first min(oldSize, newSize) bytes; oldSize 0 means the recorded
// size. Realloc of Null is Alloc; a newSize of 0 frees the lease and returns
// Null.
func (h *Heap) Realloc(addr mem.Addr, oldSize, newSize int) (mem.Addr, error) {
	if addr == mem.Null {
		return h.Alloc(newSize)
	}
	l, ok := h.leases[addr]
	if !ok {
		return mem.Null, fmt.Errorf("%w: 0x%X", ErrNotLeased, uint64(addr))
	}
	switch {
	case newSize < 0:
		return mem.Null, fmt.Errorf("%w: %d", ErrBadSize, newSize)
	case newSize == 0:
		h.Free(addr)
		return mem.Null, nil
	}
	h.stats.Reallocs++

	if newSize <= l.Capacity {
		if newSize > l.Size {
			h.arena.Zero(addr.Add(l.Size), newSize-l.Size)
		}
		h.stats.LiveBytes += newSize - l.Size
		l.Size = newSize
		h.leases[addr] = l
		return addr, nil
	}

	n := l.Size
	if oldSize > 0 && oldSize < n {
		n = oldSize
	}
	n = min(n, newSize)
	moved, err := h.lease(newSize)
	if err != nil {
		return mem.Null, err
	}
	copy(h.arena.Slice(moved.Addr, n), h.arena.Slice(addr, n))
	h.release(l)
	h.stats.Moves++
	if logAlloc {
		tracef("Realloc(0x%X, %d -> %d): moved to 0x%X", uint64(addr), l.Size, newSize, uint64(moved.Addr))
	}
	return moved.Addr, nil
}

// Lookup returns the lease starting at addr.
func (h *Heap) Lookup(addr mem.Addr) (Lease, bool) {
	l, ok := h.leases[addr]
	return l, ok
}

// Owns reports whether addr is the start of a live lease.
func (h *Heap) Owns(addr mem.Addr) bool {
	_, ok := h.leases[addr]
	return ok
}

// ForEach calls fn for every live lease in address order until fn returns false.
func (h *Heap) ForEach(fn func(Lease) bool) {
	for _, addr := range slices.Sorted(maps.Keys(h.leases)) {
		if !fn(h.leases[addr]) {
			return
		}
	}
}

// Stats returns a snapshot of heap usage.
func (h *Heap) Stats() Stats { return h.stats }
