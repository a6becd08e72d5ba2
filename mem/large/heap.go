// Package large implements the medium/large-object heap. Every object owns a
// whole run of pages with a 24-byte header at the start of the first page:
//
//	[used:u64][size:u32][pad:u32][status:u8][pad:u8][refcount:u16][reserved:u32][body ...]
//
// A run of one page is tagged MediumHeap, longer runs LargeHeap on every
// page. The header's size field gives the run's extent; the page allocator's
// run table only confirms that a header sits at the start of a lease.
//
// NOT thread-safe.
package large

import (
	"fmt"
	"math"

	"github.com/joshuapare/kernmem/internal/format"
	"github.com/joshuapare/kernmem/mem"
	"github.com/joshuapare/kernmem/mem/page"
)

// maxSize keeps header + body inside the u32 size field.
const maxSize = math.MaxInt32 - format.LargeHeaderSize

// Stats is a snapshot of large-heap usage.
type Stats struct {
	Allocs         int
	Frees          int
	InvalidFrees   int // Free on an object whose used marker was already clear
	LiveObjects    int
	LiveBytes      int // sum of requested body sizes
	MediumObjects  int // live one-page objects
	LargeObjects   int // live multi-page objects
	LivePages      int
	DiscardedPages int // tail pages handed back to the OS on free
}

// Heap is the medium/large-object heap.
type Heap struct {
	pa    *page.Allocator
	arena *mem.Arena
	stats Stats
}

// New returns a heap leasing its runs from pa.
func New(pa *page.Allocator) *Heap {
	return &Heap{pa: pa, arena: pa.Arena()}
}

// PagesFor returns the run length needed for a body of size bytes.
func PagesFor(size int) int {
	return format.PagesFor(size + format.LargeHeaderSize)
}

// Allocate leases a run for a body of size bytes and returns the body
// address. The body is zeroed and the refcount starts at 1.
func (h *Heap) Allocate(size int) (mem.Addr, error) {
	if size <= 0 || size > maxSize {
		return mem.Null, fmt.Errorf("%w: %d", ErrBadSize, size)
	}
	n := PagesFor(size)
	kind := page.MediumHeap
	if n > 1 {
		kind = page.LargeHeap
	}

	hdr, err := h.pa.Acquire(n, kind)
	if err != nil {
		return mem.Null, fmt.Errorf("large: allocate %d bytes (%d pages): %w", size, n, err)
	}
	h.arena.PutU64(hdr.Add(format.LargeUsedOffset), format.LargeUsedMarker)
	h.arena.PutU32(hdr.Add(format.LargeSizeOffset), uint32(size))
	h.arena.PutU16(hdr.Add(format.GCRefOffset), 1)

	h.stats.Allocs++
	h.stats.LiveObjects++
	h.stats.LiveBytes += size
	h.stats.LivePages += n
	if n > 1 {
		h.stats.LargeObjects++
	} else {
		h.stats.MediumObjects++
	}

	if logAlloc {
		tracef("Allocate(%d): %v run of %d pages at 0x%X", size, kind, n, uint64(hdr))
	}
	return hdr.Add(format.LargeHeaderSize), nil
}

// headerOf returns the header address and page tag for body, ok false when
// body cannot be the body of a medium or large object.
func (h *Heap) headerOf(body mem.Addr) (mem.Addr, page.Kind, bool) {
	hdr := body.Sub(format.LargeHeaderSize)
	if hdr.PageOffset() != 0 || !h.arena.Contains(hdr, format.LargeHeaderSize) {
		return mem.Null, page.Empty, false
	}
	k := h.pa.KindOf(hdr)
	if k != page.MediumHeap && k != page.LargeHeap {
		return hdr, k, false
	}
	// Inner pages of a large run carry the same tag; only a run start holds a header.
	return hdr, k, h.pa.RunLength(h.pa.PageIndex(hdr)) > 0
}

func (h *Heap) mustHeader(body mem.Addr) mem.Addr {
	hdr, k, ok := h.headerOf(body)
	if !ok {
		mem.Fatalf(mem.ErrCorruptMetadata, body, "not a medium/large body (page tagged %v)", k)
	}
	return hdr
}

// Owns reports whether body is the body address of a page run owned by the heap.
func (h *Heap) Owns(body mem.Addr) bool {
	_, _, ok := h.headerOf(body)
	return ok
}

// IsAllocated reports whether body is a live medium or large object.
func (h *Heap) IsAllocated(body mem.Addr) bool {
	hdr, _, ok := h.headerOf(body)
	return ok && h.arena.U64(hdr.Add(format.LargeUsedOffset)) == format.LargeUsedMarker
}

// Free clears the header's used marker and refcount and returns the run to
// the page allocator. The size field is left in place. Freeing an object
// whose run was already returned is a no-op that returns false.
func (h *Heap) Free(body mem.Addr) bool {
	hdr, k, ok := h.headerOf(body)
	if !ok {
		if hdr != mem.Null && k == page.Empty {
			h.stats.InvalidFrees++
			debugLogf("Free(0x%X): run already released", uint64(body))
			return false
		}
		mem.Fatalf(mem.ErrCorruptMetadata, body, "free of a non medium/large body (page tagged %v)", k)
	}

	switch used := h.arena.U64(hdr.Add(format.LargeUsedOffset)); used {
	case format.LargeUsedMarker:
	case 0:
		h.stats.InvalidFrees++
		return false
	default:
		mem.Fatalf(mem.ErrCorruptMetadata, body, "used marker 0x%X", used)
	}

	size := int(h.arena.U32(hdr.Add(format.LargeSizeOffset)))
	n := PagesFor(size)
	idx := h.pa.PageIndex(hdr)
	if run := h.pa.RunLength(idx); run != n || (n == 1) != (k == page.MediumHeap) {
		mem.Fatalf(mem.ErrCorruptMetadata, body, "size %d needs %d pages but %v run has %d", size, n, k, run)
	}

	h.arena.PutU64(hdr.Add(format.LargeUsedOffset), 0)
	h.arena.PutU8(hdr.Add(format.GCStatusOffset), 0)
	h.arena.PutU16(hdr.Add(format.GCRefOffset), 0)
	if n > 1 {
		h.arena.Discard(hdr.Add(format.PageSize), (n-1)*format.PageSize)
		h.stats.DiscardedPages += n - 1
		h.stats.LargeObjects--
	} else {
		h.stats.MediumObjects--
	}
	h.pa.Release(hdr, n)

	h.stats.Frees++
	h.stats.LiveObjects--
	h.stats.LiveBytes -= size
	h.stats.LivePages -= n

	if logAlloc {
		tracef("Free(0x%X): released %d pages", uint64(body), n)
	}
	return true
}

// RefCount returns the refcount of the object at body.
func (h *Heap) RefCount(body mem.Addr) uint16 {
	return h.arena.U16(h.mustHeader(body).Add(format.GCRefOffset))
}

// SetRefCount stores the refcount of the object at body.
func (h *Heap) SetRefCount(body mem.Addr, rc uint16) {
	h.arena.PutU16(h.mustHeader(body).Add(format.GCRefOffset), rc)
}

// Status returns the gc status bits of the object at body.
func (h *Heap) Status(body mem.Addr) uint8 {
	return h.arena.U8(h.mustHeader(body).Add(format.GCStatusOffset))
}

// SetStatus stores the gc status bits of the object at body.
func (h *Heap) SetStatus(body mem.Addr, status uint8) {
	h.arena.PutU8(h.mustHeader(body).Add(format.GCStatusOffset), status)
}

// SizeOf returns the requested body size of the object at body.
func (h *Heap) SizeOf(body mem.Addr) int {
	return int(h.arena.U32(h.mustHeader(body).Add(format.LargeSizeOffset)))
}

// ForEachObject walks the page table in address order and calls fn for every
// live medium or large object until fn returns false. fn must not allocate
// or free.
func (h *Heap) ForEachObject(fn func(body mem.Addr, size int, refcount uint16) bool) {
	for i := h.pa.FirstUsable(); i < h.pa.Pages(); i++ {
		k := h.pa.KindAt(i)
		if k != page.MediumHeap && k != page.LargeHeap {
			continue
		}
		hdr := h.pa.PageAddr(i)
		if h.arena.U64(hdr.Add(format.LargeUsedOffset)) != format.LargeUsedMarker {
			continue
		}
		size := int(h.arena.U32(hdr.Add(format.LargeSizeOffset)))
		rc := h.arena.U16(hdr.Add(format.GCRefOffset))
		if !fn(hdr.Add(format.LargeHeaderSize), size, rc) {
			return
		}
		i += PagesFor(size) - 1
	}
}

// ObjectAt returns the body of the live object whose body contains addr.
func (h *Heap) ObjectAt(addr mem.Addr) (mem.Addr, bool) {
	k, ok := h.pa.Lookup(addr)
	if !ok || (k != page.MediumHeap && k != page.LargeHeap) {
		return mem.Null, false
	}
	start := h.pa.RunStart(h.pa.PageIndex(addr))
	if start < 0 {
		return mem.Null, false
	}
	hdr := h.pa.PageAddr(start)
	if h.arena.U64(hdr.Add(format.LargeUsedOffset)) != format.LargeUsedMarker {
		return mem.Null, false
	}
	body := hdr.Add(format.LargeHeaderSize)
	size := int(h.arena.U32(hdr.Add(format.LargeSizeOffset)))
	if addr < body || addr >= body.Add(size) {
		return mem.Null, false
	}
	return body, true
}

// Stats returns a snapshot of heap usage.
func (h *Heap) Stats() Stats { return h.stats }
