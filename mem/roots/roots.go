// Package roots hands out root slots: 8-byte reference words outside the
// object heaps standing for static fields and stack slots. Slots are bump
// allocated from Unmanaged pages; freed slots are chained through their own
// word, tagged with the low bit so a free link never reads as a reference
// (object bodies are always 4-byte aligned):
//
//	live slot:  reference (0 when empty)
//	free slot:  (next free index + 1) << 1 | 1
//
// NOT thread-safe.
package roots

import (
	"errors"
	"fmt"

	"github.com/joshuapare/kernmem/internal/format"
	"github.com/joshuapare/kernmem/mem"
	"github.com/joshuapare/kernmem/mem/page"
)

var (
	// ErrFull indicates every slot of every permitted page is in use.
	ErrFull = errors.New("roots: slot table full")

	// ErrBadSlot indicates an address that is not a live root slot.
	ErrBadSlot = errors.New("roots: not a live root slot")
)

const freeTag = 1

// Table is the root slot table.
type Table struct {
	pa    *page.Allocator
	arena *mem.Arena

	pages    []mem.Addr       // Unmanaged pages, in acquisition order
	ordinal  map[mem.Addr]int // page address -> index into pages
	maxPages int

	// bump is the first slot index never handed out. Slots below it are
	// either live or on the free list.
	bump int

	// freeHead is the first free slot index + 1; 0 when the list is empty.
	freeHead int

	live int
}

// New returns an empty table that may grow to maxSlots slots (rounded up to
// whole pages). Pages are acquired on demand.
func New(pa *page.Allocator, maxSlots int) *Table {
	return &Table{
		pa:       pa,
		arena:    pa.Arena(),
		ordinal:  make(map[mem.Addr]int),
		maxPages: max(1, (maxSlots+format.RootSlotsPerPage-1)/format.RootSlotsPerPage),
	}
}

func (t *Table) slotAddr(i int) mem.Addr {
	return t.pages[i/format.RootSlotsPerPage].Add((i % format.RootSlotsPerPage) * format.RootSlotSize)
}

func (t *Table) indexOf(slot mem.Addr) (int, bool) {
	if slot%format.RootSlotSize != 0 {
		return 0, false
	}
	ord, ok := t.ordinal[slot.PageBase()]
	if !ok {
		return 0, false
	}
	i := ord*format.RootSlotsPerPage + slot.PageOffset()/format.RootSlotSize
	return i, i < t.bump
}

func isFree(word uint64) bool { return word&freeTag != 0 }

// New returns a slot holding null.
func (t *Table) New() (mem.Addr, error) {
	if t.freeHead != 0 {
		i := t.freeHead - 1
		slot := t.slotAddr(i)
		t.freeHead = int(t.arena.U64(slot) >> 1)
		t.arena.PutU64(slot, 0)
		t.live++
		return slot, nil
	}

	if t.bump == len(t.pages)*format.RootSlotsPerPage {
		if len(t.pages) == t.maxPages {
			return mem.Null, fmt.Errorf("%w: %d slots", ErrFull, t.bump)
		}
		p, err := t.pa.Acquire(1, page.Unmanaged)
		if err != nil {
			return mem.Null, fmt.Errorf("roots: grow: %w", err)
		}
		t.ordinal[p] = len(t.pages)
		t.pages = append(t.pages, p)
	}

	slot := t.slotAddr(t.bump)
	t.bump++
	t.live++
	return slot, nil
}

// Free puts slot back on the free list. The caller must already have dropped
// the reference the slot held.
func (t *Table) Free(slot mem.Addr) error {
	i, ok := t.indexOf(slot)
	if !ok || isFree(t.arena.U64(slot)) {
		return fmt.Errorf("%w: 0x%X", ErrBadSlot, uint64(slot))
	}
	t.arena.PutU64(slot, uint64(t.freeHead)<<1|freeTag)
	t.freeHead = i + 1
	t.live--
	return nil
}

// IsSlot reports whether slot is a live root slot.
func (t *Table) IsSlot(slot mem.Addr) bool {
	_, ok := t.indexOf(slot)
	return ok && !isFree(t.arena.U64(slot))
}

// ForEach calls fn with every live slot and the reference it holds, in slot
// order, until fn returns false.
func (t *Table) ForEach(fn func(slot, val mem.Addr) bool) {
	for i := range t.bump {
		slot := t.slotAddr(i)
		word := t.arena.U64(slot)
		if isFree(word) {
			continue
		}
		if !fn(slot, mem.Addr(word)) {
			return
		}
	}
}

// Len returns the number of live slots.
func (t *Table) Len() int { return t.live }

// Cap returns the maximum number of slots.
func (t *Table) Cap() int { return t.maxPages * format.RootSlotsPerPage }

// Pages returns the number of pages the table holds.
func (t *Table) Pages() int { return len(t.pages) }
