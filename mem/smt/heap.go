// Package smt implements the small-object heap: slots of one size class per
// page, each slot a 4-byte header followed by the object body.
//
//	page:  [slot 0][slot 1] ... [slot n-1][tail slack]
//	slot:  [class:u16][refcount:u16][body ... class size bytes]
//
// The class field holds the slot's size class index plus one while the slot
// is allocated and 0 while it is free; that is the only free-slot marker.
// Per-class page lists live on the Go heap; the root size-class table is
// persisted in a SizeMapMeta page so tooling reading an arena dump can map a
// class field back to a slot size.
//
// NOT thread-safe.
package smt

import (
	"fmt"
	"slices"

	"github.com/joshuapare/kernmem/internal/format"
	"github.com/joshuapare/kernmem/mem"
	"github.com/joshuapare/kernmem/mem/page"
)

// smtPage tracks one SmallHeap page.
type smtPage struct {
	addr       mem.Addr
	class      int // index into the size class table
	spacesLeft int
	hint       int // lowest slot index that may be free
}

// class is the per-class page list.
type class struct {
	size     int // body bytes per slot
	slotSize int // header + body
	slots    int // slots per page
	pages    []*smtPage
}

// Stats is a snapshot of small-heap usage.
type Stats struct {
	Classes       int
	Allocs        int // successful Allocate calls
	Frees         int // slots returned by Free
	InvalidFrees  int // Free on a slot that was already free
	PagesAcquired int
	PagesReleased int
	LivePages     int
	LiveObjects   int
	LiveBytes     int // sum of class sizes of live slots
}

// PageInfo describes one SmallHeap page for verification and tooling.
type PageInfo struct {
	Addr       mem.Addr
	Class      int // index into the size class table
	ClassSize  int
	SlotSize   int
	Slots      int
	SpacesLeft int
}

// Heap is the small-object heap.
type Heap struct {
	pa    *page.Allocator
	arena *mem.Arena

	table   *sizeClassTable
	classes []class
	byPage  map[int]*smtPage // page index -> page state
	sizeMap mem.Addr         // SizeMapMeta page holding the root table

	stats Stats
}

// New builds a small-object heap on pa and persists the root size-class
// table in a freshly acquired SizeMapMeta page.
func New(pa *page.Allocator, cfg SizeClassConfig) (*Heap, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	table := newSizeClassTable(cfg)
	if table.NumClasses() > format.MaxSizeClasses {
		return nil, fmt.Errorf("%w: %d classes", ErrBadConfig, table.NumClasses())
	}

	meta, err := pa.Acquire(1, page.SizeMapMeta)
	if err != nil {
		return nil, fmt.Errorf("smt: size map page: %w", err)
	}

	h := &Heap{
		pa:      pa,
		arena:   pa.Arena(),
		table:   table,
		classes: make([]class, table.NumClasses()),
		byPage:  make(map[int]*smtPage),
		sizeMap: meta,
	}
	for i, size := range table.classes {
		slot := size + format.SmallHeaderSize
		h.classes[i] = class{size: size, slotSize: slot, slots: format.PageSize / slot}
	}
	h.stats.Classes = len(h.classes)
	h.writeSizeMap()

	if logAlloc {
		tracef("New: %s, size map at 0x%X", table, uint64(meta))
	}
	return h, nil
}

func (h *Heap) writeSizeMap() {
	a := h.arena
	a.PutU32(h.sizeMap.Add(format.SizeMapCountOffset), uint32(len(h.classes)))
	a.PutU32(h.sizeMap.Add(format.SizeMapMaxOffset), format.MaxSmallSize)
	for i, c := range h.classes {
		a.PutU16(h.sizeMap.Add(format.SizeMapClassesOffset+i*format.SizeMapEntrySize), uint16(c.size))
	}
}

// ClassSizes returns the class ladder as persisted in the SizeMapMeta page.
func (h *Heap) ClassSizes() []int {
	n := int(h.arena.U32(h.sizeMap.Add(format.SizeMapCountOffset)))
	out := make([]int, n)
	for i := range out {
		out[i] = int(h.arena.U16(h.sizeMap.Add(format.SizeMapClassesOffset + i*format.SizeMapEntrySize)))
	}
	return out
}

// Classes returns the class ladder the heap was built with.
func (h *Heap) Classes() []int {
	return slices.Clone(h.table.classes)
}

// SizeMapAddr returns the address of the SizeMapMeta page.
func (h *Heap) SizeMapAddr() mem.Addr { return h.sizeMap }

// ClassFor returns the class size that would serve a request of size bytes.
func (h *Heap) ClassFor(size int) (int, bool) {
	if size <= 0 || size > format.MaxSmallSize {
		return 0, false
	}
	return h.classes[h.table.classFor(size)].size, true
}

// Allocate returns the body address of a zeroed slot able to hold size bytes.
// The slot's refcount starts at 1.
func (h *Heap) Allocate(size int) (mem.Addr, error) {
	if size <= 0 || size > format.MaxSmallSize {
		return mem.Null, fmt.Errorf("%w: %d", ErrBadSize, size)
	}
	ci := h.table.classFor(size)
	c := &h.classes[ci]

	var p *smtPage
	for _, cand := range c.pages {
		if cand.spacesLeft > 0 {
			p = cand
			break
		}
	}
	if p == nil {
		var err error
		if p, err = h.grow(ci); err != nil {
			return mem.Null, err
		}
	}

	slot := h.takeSlot(c, p)
	hdr := p.addr.Add(slot * c.slotSize)
	h.arena.PutU16(hdr.Add(format.SmallClassOffset), classField(ci))
	h.arena.PutU16(hdr.Add(format.SmallRefOffset), 1)

	h.stats.Allocs++
	h.stats.LiveObjects++
	h.stats.LiveBytes += c.size

	body := hdr.Add(format.SmallHeaderSize)
	debugLogf("Allocate(%d): class=%d slot=%d body=0x%X", size, c.size, slot, uint64(body))
	return body, nil
}

// grow leases a new page for class ci and links it at the end of the list.
func (h *Heap) grow(ci int) (*smtPage, error) {
	addr, err := h.pa.Acquire(1, page.SmallHeap)
	if err != nil {
		return nil, fmt.Errorf("smt: grow class %d: %w", h.classes[ci].size, err)
	}
	c := &h.classes[ci]
	p := &smtPage{addr: addr, class: ci, spacesLeft: c.slots}
	c.pages = append(c.pages, p)
	h.byPage[h.pa.PageIndex(addr)] = p
	h.stats.PagesAcquired++
	h.stats.LivePages++

	if logAlloc {
		tracef("grow: class=%d slots=%d page=0x%X", c.size, c.slots, uint64(addr))
	}
	return p, nil
}

// takeSlot claims the lowest free slot of p. p must have spacesLeft > 0.
func (h *Heap) takeSlot(c *class, p *smtPage) int {
	for i := p.hint; i < c.slots; i++ {
		if h.arena.U16(p.addr.Add(i*c.slotSize+format.SmallClassOffset)) == 0 {
			p.spacesLeft--
			p.hint = i + 1
			return i
		}
	}
	mem.Fatalf(mem.ErrCorruptMetadata, p.addr, "page reports %d free slots but none found", p.spacesLeft)
	return 0
}

// classField encodes class index ci for the slot header.
func classField(ci int) uint16 { return uint16(ci + 1) }

// slotOf resolves a body address to its page and slot header. It fails fatally
// on addresses that are not slot bodies of a live SmallHeap page.
func (h *Heap) slotOf(body mem.Addr) (*smtPage, *class, mem.Addr) {
	p, c, hdr, ok := h.lookup(body)
	if !ok {
		mem.Fatalf(mem.ErrCorruptMetadata, body, "not a small-object body")
	}
	return p, c, hdr
}

func (h *Heap) lookup(body mem.Addr) (*smtPage, *class, mem.Addr, bool) {
	if !h.arena.Contains(body, 1) {
		return nil, nil, mem.Null, false
	}
	hdr := body.Sub(format.SmallHeaderSize)
	p, ok := h.byPage[h.pa.PageIndex(hdr)]
	if !ok || hdr < p.addr {
		return nil, nil, mem.Null, false
	}
	c := &h.classes[p.class]
	off := int(hdr - p.addr)
	if off%c.slotSize != 0 || off/c.slotSize >= c.slots {
		return nil, nil, mem.Null, false
	}
	return p, c, hdr, true
}

// Owns reports whether body is a slot body on one of the heap's pages,
// allocated or not.
func (h *Heap) Owns(body mem.Addr) bool {
	_, _, _, ok := h.lookup(body)
	return ok
}

// IsAllocated reports whether body is an allocated slot.
func (h *Heap) IsAllocated(body mem.Addr) bool {
	_, _, hdr, ok := h.lookup(body)
	return ok && h.arena.U16(hdr.Add(format.SmallClassOffset)) != 0
}

// ObjectAt returns the body of the allocated slot whose body contains addr.
func (h *Heap) ObjectAt(addr mem.Addr) (mem.Addr, bool) {
	if !h.arena.Contains(addr, 1) {
		return mem.Null, false
	}
	p, ok := h.byPage[h.pa.PageIndex(addr)]
	if !ok {
		return mem.Null, false
	}
	c := &h.classes[p.class]
	slot := int(addr-p.addr) / c.slotSize
	if slot >= c.slots {
		return mem.Null, false
	}
	hdr := p.addr.Add(slot * c.slotSize)
	body := hdr.Add(format.SmallHeaderSize)
	if addr < body || h.arena.U16(hdr.Add(format.SmallClassOffset)) == 0 {
		return mem.Null, false
	}
	return body, true
}

// Free returns the slot at body to its page. Freeing a slot that is already
// free is a no-op that returns false. A class field that disagrees with the
// page's class is fatal.
func (h *Heap) Free(body mem.Addr) bool {
	p, c, hdr := h.slotOf(body)
	field := h.arena.U16(hdr.Add(format.SmallClassOffset))
	if field == 0 {
		h.stats.InvalidFrees++
		debugLogf("Free(0x%X): already free", uint64(body))
		return false
	}
	if field != classField(p.class) {
		mem.Fatalf(mem.ErrCorruptMetadata, body, "slot class field %d on a class %d page", field, c.size)
	}

	h.arena.Zero(hdr, c.slotSize)
	p.spacesLeft++
	if slot := int(hdr-p.addr) / c.slotSize; slot < p.hint {
		p.hint = slot
	}

	h.stats.Frees++
	h.stats.LiveObjects--
	h.stats.LiveBytes -= c.size
	return true
}

// PruneSizeMapTable releases every page whose slots are all free back to the
// page allocator and returns the number of pages released.
func (h *Heap) PruneSizeMapTable() int {
	released := 0
	for ci := range h.classes {
		c := &h.classes[ci]
		kept := c.pages[:0]
		for _, p := range c.pages {
			if p.spacesLeft != c.slots {
				kept = append(kept, p)
				continue
			}
			delete(h.byPage, h.pa.PageIndex(p.addr))
			h.pa.Release(p.addr, 1)
			released++
		}
		clear(c.pages[len(kept):])
		c.pages = kept
	}
	h.stats.PagesReleased += released
	h.stats.LivePages -= released

	if logAlloc && released > 0 {
		tracef("PruneSizeMapTable: released %d pages, %d live", released, h.stats.LivePages)
	}
	return released
}

// RefCount returns the refcount of the slot at body.
func (h *Heap) RefCount(body mem.Addr) uint16 {
	_, _, hdr := h.slotOf(body)
	return h.arena.U16(hdr.Add(format.SmallRefOffset))
}

// SetRefCount stores the refcount of the slot at body.
func (h *Heap) SetRefCount(body mem.Addr, rc uint16) {
	_, _, hdr := h.slotOf(body)
	h.arena.PutU16(hdr.Add(format.SmallRefOffset), rc)
}

// SizeOf returns the class size of the slot at body (0 when free).
func (h *Heap) SizeOf(body mem.Addr) int {
	_, c, hdr := h.slotOf(body)
	if h.arena.U16(hdr.Add(format.SmallClassOffset)) == 0 {
		return 0
	}
	return c.size
}

// ForEachObject calls fn for every allocated slot, class by class, until fn
// returns false. fn must not allocate or free.
func (h *Heap) ForEachObject(fn func(body mem.Addr, size int, refcount uint16) bool) {
	for ci := range h.classes {
		c := &h.classes[ci]
		for _, p := range c.pages {
			for i := range c.slots {
				hdr := p.addr.Add(i * c.slotSize)
				if h.arena.U16(hdr.Add(format.SmallClassOffset)) == 0 {
					continue
				}
				if !fn(hdr.Add(format.SmallHeaderSize), c.size, h.arena.U16(hdr.Add(format.SmallRefOffset))) {
					return
				}
			}
		}
	}
}

// ForEachPage calls fn for every SmallHeap page owned by the heap.
func (h *Heap) ForEachPage(fn func(PageInfo) bool) {
	for ci := range h.classes {
		c := &h.classes[ci]
		for _, p := range c.pages {
			info := PageInfo{
				Addr:       p.addr,
				Class:      ci,
				ClassSize:  c.size,
				SlotSize:   c.slotSize,
				Slots:      c.slots,
				SpacesLeft: p.spacesLeft,
			}
			if !fn(info) {
				return
			}
		}
	}
}

// Stats returns a snapshot of heap usage.
func (h *Heap) Stats() Stats { return h.stats }

// Config returns the size class configuration in use.
func (h *Heap) Config() SizeClassConfig { return h.table.config }
