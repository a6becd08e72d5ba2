// Package verify provides validation functions for the memory subsystem's
// in-arena structures. These helpers are used in tests and by kmemctl to
// ensure the invariants between the page table, the heaps, the handle table
// and the refcounts are maintained.
package verify

import (
	"fmt"
	"slices"

	"github.com/joshuapare/kernmem/internal/format"
	"github.com/joshuapare/kernmem/mem"
	"github.com/joshuapare/kernmem/mem/handle"
	"github.com/joshuapare/kernmem/mem/large"
	"github.com/joshuapare/kernmem/mem/native"
	"github.com/joshuapare/kernmem/mem/page"
	"github.com/joshuapare/kernmem/mem/rc"
	"github.com/joshuapare/kernmem/mem/roots"
	"github.com/joshuapare/kernmem/mem/smt"
)

// ValidationError describes one violated invariant.
type ValidationError struct {
	Type    string
	Message string
	Addr    mem.Addr // address where the error occurred (Null if N/A)
	Details map[string]any
}

func (e *ValidationError) Error() string {
	if e.Addr != mem.Null {
		return fmt.Sprintf("%s at 0x%X: %s", e.Type, uint64(e.Addr), e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// State is the set of components to validate. Roots, Handles and Native
// may be nil.
type State struct {
	Pages   *page.Allocator
	Small   *smt.Heap
	Large   *large.Heap
	Engine  *rc.Engine
	Roots   *roots.Table
	Handles *handle.Table
	Native  *native.Heap
}

// AllInvariants validates all invariants in one call.
// Returns the first error encountered, or nil if all checks pass.
func AllInvariants(s State) error {
	checks := []func(State) error{PageTable, SmallHeap, LargeHeap, Handles, Native, RefCounts}
	for _, check := range checks {
		if err := check(s); err != nil {
			return err
		}
	}
	return nil
}

// PageTable validates the RAT: the reserved prefix, every leased page inside
// a lease of its own kind, and the free count.
func PageTable(s State) error {
	pa := s.Pages
	kinds := pa.Map()

	for i := range pa.FirstUsable() {
		if kinds[i] != page.Reserved {
			return &ValidationError{
				Type:    "PageTable",
				Message: fmt.Sprintf("reserved page %d tagged %v", i, kinds[i]),
				Addr:    pa.PageAddr(i),
			}
		}
	}

	empty := 0
	for i := pa.FirstUsable(); i < len(kinds); i++ {
		k := kinds[i]
		switch {
		case k == page.Empty:
			empty++
			continue
		case k == page.Reserved:
			return &ValidationError{
				Type:    "PageTable",
				Message: fmt.Sprintf("usable page %d tagged Reserved", i),
				Addr:    pa.PageAddr(i),
			}
		case !k.Leasable():
			return &ValidationError{
				Type:    "PageTable",
				Message: fmt.Sprintf("page %d has unknown tag %d", i, uint8(k)),
				Addr:    pa.PageAddr(i),
			}
		}
		start := pa.RunStart(i)
		if start < 0 {
			return &ValidationError{
				Type:    "PageTable",
				Message: fmt.Sprintf("page %d tagged %v outside any lease", i, k),
				Addr:    pa.PageAddr(i),
			}
		}
		if kinds[start] != k {
			return &ValidationError{
				Type:    "PageTable",
				Message: fmt.Sprintf("page %d tagged %v inside a %v lease", i, k, kinds[start]),
				Addr:    pa.PageAddr(i),
			}
		}
	}

	if empty != pa.FreePages() {
		return &ValidationError{
			Type:    "PageTable",
			Message: "free page count mismatch",
			Details: map[string]any{"rat": empty, "stats": pa.FreePages()},
		}
	}
	return nil
}

// SmallHeap validates the SMT: the persisted size map, page ownership and
// every slot header.
func SmallHeap(s State) error {
	h := s.Small
	a := s.Pages.Arena()

	if !slices.Equal(h.ClassSizes(), h.Classes()) {
		return &ValidationError{
			Type:    "SmallHeap",
			Message: "persisted size map differs from the class ladder",
			Addr:    h.SizeMapAddr(),
		}
	}

	owned := 0
	live := 0
	var verr error
	h.ForEachPage(func(p smt.PageInfo) bool {
		owned++
		if k := s.Pages.KindOf(p.Addr); k != page.SmallHeap {
			verr = &ValidationError{Type: "SmallHeap", Message: fmt.Sprintf("heap page tagged %v", k), Addr: p.Addr}
			return false
		}
		free := 0
		for i := range p.Slots {
			hdr := p.Addr.Add(i * p.SlotSize)
			switch field := int(a.U16(hdr.Add(format.SmallClassOffset))); field {
			case 0:
				free++
				if a.U16(hdr.Add(format.SmallRefOffset)) != 0 {
					verr = &ValidationError{Type: "SmallHeap", Message: "free slot with a refcount", Addr: hdr}
					return false
				}
			case p.Class + 1:
				live++
			default:
				verr = &ValidationError{
					Type:    "SmallHeap",
					Message: fmt.Sprintf("slot class field %d on a class %d page", field, p.ClassSize),
					Addr:    hdr,
				}
				return false
			}
		}
		if free != p.SpacesLeft {
			verr = &ValidationError{
				Type:    "SmallHeap",
				Message: "free slot count mismatch",
				Addr:    p.Addr,
				Details: map[string]any{"counted": free, "tracked": p.SpacesLeft},
			}
			return false
		}
		return true
	})
	if verr != nil {
		return verr
	}

	tagged := s.Pages.Stats().ByKind[page.SmallHeap]
	if tagged != owned {
		return &ValidationError{
			Type:    "SmallHeap",
			Message: "SmallHeap pages not owned by the heap",
			Details: map[string]any{"tagged": tagged, "owned": owned},
		}
	}
	if st := h.Stats(); st.LiveObjects != live {
		return &ValidationError{
			Type:    "SmallHeap",
			Message: "live object count mismatch",
			Details: map[string]any{"counted": live, "tracked": st.LiveObjects},
		}
	}
	return nil
}

// LargeHeap validates every MediumHeap and LargeHeap run against its header.
func LargeHeap(s State) error {
	pa := s.Pages
	a := pa.Arena()
	live := 0
	for i := pa.FirstUsable(); i < pa.Pages(); i++ {
		k := pa.KindAt(i)
		if k != page.MediumHeap && k != page.LargeHeap {
			continue
		}
		if pa.RunLength(i) == 0 {
			// Inner page of a large run.
			continue
		}
		hdr := pa.PageAddr(i)
		if used := a.U64(hdr.Add(format.LargeUsedOffset)); used != format.LargeUsedMarker {
			return &ValidationError{
				Type:    "LargeHeap",
				Message: fmt.Sprintf("%v run with used marker %d", k, used),
				Addr:    hdr,
			}
		}
		size := int(a.U32(hdr.Add(format.LargeSizeOffset)))
		want := large.PagesFor(size)
		if run := pa.RunLength(i); run != want || (want == 1) != (k == page.MediumHeap) {
			return &ValidationError{
				Type:    "LargeHeap",
				Message: fmt.Sprintf("%v run of %d pages for a %d byte body", k, run, size),
				Addr:    hdr,
				Details: map[string]any{"size": size, "run": run, "expected": want},
			}
		}
		live++
	}
	if st := s.Large.Stats(); st.LiveObjects != live {
		return &ValidationError{
			Type:    "LargeHeap",
			Message: "live object count mismatch",
			Details: map[string]any{"counted": live, "tracked": st.LiveObjects},
		}
	}
	return nil
}

// Handles validates that every handle target is a live object, that strong
// targets hold a reference, and that pinned large objects carry the pinned bit.
func Handles(s State) error {
	if s.Handles == nil {
		return nil
	}
	var verr error
	check := func(h handle.Handle, what string, obj mem.Addr) bool {
		if obj == mem.Null || s.Engine.IsLive(obj) {
			return true
		}
		verr = &ValidationError{
			Type:    "Handles",
			Message: fmt.Sprintf("%v %s is not a live object", h, what),
			Addr:    obj,
		}
		return false
	}
	s.Handles.ForEach(func(h handle.Handle, k handle.Kind, target, secondary mem.Addr) bool {
		if !check(h, "target", target) || !check(h, "secondary", secondary) {
			return false
		}
		if (k == handle.Normal || k == handle.Pinned) && target != mem.Null && s.Engine.RefCount(target) == 0 {
			verr = &ValidationError{Type: "Handles", Message: fmt.Sprintf("%v holds a zero refcount target", h), Addr: target}
			return false
		}
		if k == handle.Pinned && s.Large.Owns(target) && s.Large.Status(target)&format.GCStatusPinned == 0 {
			verr = &ValidationError{Type: "Handles", Message: fmt.Sprintf("%v target is not marked pinned", h), Addr: target}
			return false
		}
		return true
	})
	return verr
}

// RefCounts validates that no reference dangles and that every live
// object's refcount covers its incoming references from heap objects, root
// slots and strong handles.
func RefCounts(s State) error {
	incoming := make(map[mem.Addr]int)
	var verr error

	add := func(from, to mem.Addr, via string) bool {
		if !s.Engine.IsLive(to) {
			verr = &ValidationError{
				Type:    "RefCounts",
				Message: fmt.Sprintf("%s reference to a dead object", via),
				Addr:    from,
				Details: map[string]any{"target": to},
			}
			return false
		}
		incoming[to]++
		return true
	}

	visit := func(obj mem.Addr, _ int, rc uint16) bool {
		// Zero-refcount objects are dead and their references are released
		// when the collector frees them.
		if rc == 0 {
			return true
		}
		s.Engine.ForEachRef(obj, func(loc, child mem.Addr) bool {
			return add(loc, child, "field")
		})
		return verr == nil
	}
	s.Small.ForEachObject(visit)
	if verr == nil {
		s.Large.ForEachObject(visit)
	}
	if verr == nil && s.Roots != nil {
		s.Roots.ForEach(func(slot, val mem.Addr) bool {
			return val == mem.Null || add(slot, val, "root")
		})
	}
	if verr == nil && s.Handles != nil {
		s.Handles.ForEach(func(_ handle.Handle, k handle.Kind, target, secondary mem.Addr) bool {
			switch {
			case (k == handle.Normal || k == handle.Pinned) && target != mem.Null:
				return add(target, target, "handle")
			case k == handle.Dependent && secondary != mem.Null:
				return add(secondary, secondary, "dependent handle")
			}
			return true
		})
	}
	if verr != nil {
		return verr
	}

	check := func(obj mem.Addr, _ int, rc uint16) bool {
		if n := incoming[obj]; int(rc) < n {
			verr = &ValidationError{
				Type:    "RefCounts",
				Message: fmt.Sprintf("refcount %d below %d incoming references", rc, n),
				Addr:    obj,
				Details: map[string]any{"refcount": rc, "incoming": n},
			}
			return false
		}
		return true
	}
	s.Small.ForEachObject(check)
	if verr == nil {
		s.Large.ForEachObject(check)
	}
	if verr == nil {
		s.Engine.ForEachRaw(func(obj mem.Addr) bool {
			if s.Engine.IsLive(obj) {
				return true
			}
			verr = &ValidationError{Type: "RefCounts", Message: "untyped mark on a freed object", Addr: obj}
			return false
		})
	}
	return verr
}

// Native validates every native lease: page leases own an Unmanaged run of
// exactly their length, slot leases are untyped small objects pinned at
// refcount 1, and the Unmanaged page count adds up.
func Native(s State) error {
	if s.Native == nil {
		return nil
	}
	pa := s.Pages
	var verr error
	leases := 0
	s.Native.ForEach(func(l native.Lease) bool {
		leases++
		if l.Size > l.Capacity {
			verr = &ValidationError{
				Type:    "Native",
				Message: fmt.Sprintf("lease of %d bytes exceeds its %d byte capacity", l.Size, l.Capacity),
				Addr:    l.Addr,
			}
			return false
		}
		if l.Pages > 0 {
			idx := pa.PageIndex(l.Addr)
			if run := pa.RunLength(idx); run != l.Pages || l.Capacity != l.Pages*format.PageSize {
				verr = &ValidationError{
					Type:    "Native",
					Message: fmt.Sprintf("%d page lease on a run of %d pages", l.Pages, run),
					Addr:    l.Addr,
				}
				return false
			}
			for i := idx; i < idx+l.Pages; i++ {
				if k := pa.KindAt(i); k != page.Unmanaged {
					verr = &ValidationError{
						Type:    "Native",
						Message: fmt.Sprintf("leased page %d tagged %v", i, k),
						Addr:    pa.PageAddr(i),
					}
					return false
				}
			}
			return true
		}
		if !s.Engine.IsLive(l.Addr) || !s.Engine.IsRaw(l.Addr) || s.Engine.RefCount(l.Addr) != 1 {
			verr = &ValidationError{
				Type:    "Native",
				Message: "slot lease is not an untyped object with refcount 1",
				Addr:    l.Addr,
			}
			return false
		}
		return true
	})
	if verr != nil {
		return verr
	}

	st := s.Native.Stats()
	if st.LiveLeases != leases {
		return &ValidationError{
			Type:    "Native",
			Message: "live lease count mismatch",
			Details: map[string]any{"counted": leases, "tracked": st.LiveLeases},
		}
	}
	if s.Roots != nil && s.Handles != nil {
		want := st.LivePages + s.Roots.Pages() + len(s.Handles.Pages())
		if got := pa.Stats().ByKind[page.Unmanaged]; got != want {
			return &ValidationError{
				Type:    "Native",
				Message: "Unmanaged page count mismatch",
				Details: map[string]any{"tagged": got, "native": st.LivePages, "roots": s.Roots.Pages(), "handles": len(s.Handles.Pages())},
			}
		}
	}
	return nil
}
