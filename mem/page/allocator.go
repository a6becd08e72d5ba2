// Package page implements the page allocator and its page-kind table (RAT).
//
// The allocator owns every page of the arena. It hands out contiguous runs
// of pages tagged with the kind of the heap that leases them and takes them
// back when the heap is done. It never looks at page contents beyond zeroing
// a run before handing it out.
//
// The RAT is one byte per page, stored inside the arena right after the
// reserved region so debugger tooling can read it from a memory dump:
//
//	[reserved pages][RAT pages][usable pages ...]
//	 Reserved        Reserved
//
// Every page of a run carries the run's lease kind. Run lengths are kept in
// a side table keyed by the run's first page, since two adjacent runs of the
// same kind are otherwise indistinguishable in the RAT.
//
// NOT thread-safe.
package page

import (
	"fmt"

	"github.com/joshuapare/kernmem/internal/format"
	"github.com/joshuapare/kernmem/mem"
)

// Options configures a page allocator.
type Options struct {
	// ReservedPages is the number of pages at the start of the arena that are
	// never handed out (firmware tables, the kernel image, ...).
	ReservedPages int
}

// Stats is a snapshot of page usage.
type Stats struct {
	TotalPages   int          // Pages in the arena
	UsablePages  int          // Pages that may ever be leased
	FreePages    int          // Pages currently Empty
	ByKind       map[Kind]int // Pages per tag
	AcquireCalls int          // Successful Acquire calls
	ReleaseCalls int          // Release calls
	Failures     int          // Acquire calls that returned ErrOutOfMemory
	LargestRun   int          // Longest run of Empty pages

	kinds [numKinds]int
}

// Allocator is the page allocator.
type Allocator struct {
	arena *mem.Arena

	rat         mem.Addr // address of the RAT (one byte per page)
	pages       int      // total pages in the arena
	firstUsable int      // first page index that may be leased

	// lowFree is a lower bound on the index of the first Empty page. Scans
	// start here, which keeps first-fit cheap when the low pages are full.
	lowFree int

	// runs maps the first page of every live lease to its length in pages.
	runs map[int]int

	stats Stats
}

// New builds the RAT inside a and marks the reserved region and the RAT
// itself as Reserved.
func New(a *mem.Arena, opts Options) (*Allocator, error) {
	total := a.Pages()
	ratPages := format.PagesFor(total)
	firstUsable := opts.ReservedPages + ratPages
	if opts.ReservedPages < 0 || firstUsable >= total {
		return nil, fmt.Errorf("%w: %d pages, %d reserved, %d for the RAT",
			ErrArenaTooSmall, total, opts.ReservedPages, ratPages)
	}

	pa := &Allocator{
		arena:       a,
		rat:         a.Base().Add(opts.ReservedPages * format.PageSize),
		pages:       total,
		firstUsable: firstUsable,
		lowFree:     firstUsable,
		runs:        make(map[int]int),
	}
	pa.stats.TotalPages = total
	pa.stats.UsablePages = total - firstUsable

	a.Zero(pa.rat, ratPages*format.PageSize)
	for i := range firstUsable {
		pa.setKind(i, Reserved)
	}
	pa.stats.kinds[Reserved] = firstUsable
	pa.stats.kinds[Empty] = total - firstUsable
	return pa, nil
}

// Arena returns the arena the allocator manages.
func (pa *Allocator) Arena() *mem.Arena { return pa.arena }

// Acquire leases count contiguous pages tagged kind and returns the address
// of the first one. The pages are zeroed. Returns ErrOutOfMemory (wrapped)
// when no run is long enough; the caller decides whether to retry.
func (pa *Allocator) Acquire(count int, kind Kind) (mem.Addr, error) {
	if count <= 0 {
		return mem.Null, ErrBadCount
	}
	if !kind.Leasable() {
		return mem.Null, fmt.Errorf("%w: %v", ErrBadKind, kind)
	}

	start, ok := pa.findRun(count)
	if !ok {
		pa.stats.Failures++
		if logPages {
			tracef("Acquire(%d, %v): out of memory, free=%d", count, kind, pa.stats.kinds[Empty])
		}
		return mem.Null, fmt.Errorf("%w: need %d contiguous pages for %v, %d free",
			ErrOutOfMemory, count, kind, pa.stats.kinds[Empty])
	}

	for i := start; i < start+count; i++ {
		pa.setKind(i, kind)
	}
	pa.runs[start] = count
	pa.stats.kinds[Empty] -= count
	pa.stats.kinds[kind] += count
	pa.stats.AcquireCalls++

	if start == pa.lowFree {
		pa.lowFree = start + count
	}

	addr := pa.PageAddr(start)
	pa.arena.Zero(addr, count*format.PageSize)

	if logPages {
		tracef("Acquire(%d, %v) -> page %d (0x%X)", count, kind, start, uint64(addr))
	}
	return addr, nil
}

// Release returns count pages starting at addr to the free pool. The caller
// must have cleared any kind-specific metadata it still cares about; the
// allocator does not re-validate the run's tags.
func (pa *Allocator) Release(addr mem.Addr, count int) {
	idx := pa.PageIndex(addr)
	if addr.PageOffset() != 0 || idx < pa.firstUsable || idx+count > pa.pages || count <= 0 {
		mem.Fatalf(mem.ErrCorruptMetadata, addr, "release of %d pages outside the usable range", count)
	}

	if n, ok := pa.runs[idx]; ok && n > count {
		pa.runs[idx+count] = n - count
	}
	for i := idx; i < idx+count; i++ {
		delete(pa.runs, i)
		k := pa.KindAt(i)
		if k == Empty {
			continue
		}
		pa.stats.kinds[k]--
		pa.stats.kinds[Empty]++
		pa.setKind(i, Empty)
	}
	pa.stats.ReleaseCalls++

	if idx < pa.lowFree {
		pa.lowFree = idx
	}

	if logPages {
		tracef("Release(0x%X, %d)", uint64(addr), count)
	}
}

// ReleaseRun releases the whole run that starts at addr and returns the
// number of pages released. addr must be the first page of a live lease.
func (pa *Allocator) ReleaseRun(addr mem.Addr) int {
	n := pa.RunLength(pa.PageIndex(addr))
	pa.Release(addr, n)
	return n
}

// findRun returns the first index of count contiguous Empty pages.
func (pa *Allocator) findRun(count int) (int, bool) {
	run := 0
	firstEmpty := -1
	for i := pa.lowFree; i < pa.pages; i++ {
		if pa.KindAt(i) != Empty {
			run = 0
			continue
		}
		if firstEmpty < 0 {
			firstEmpty = i
		}
		run++
		if run == count {
			pa.lowFree = firstEmpty
			return i - count + 1, true
		}
	}
	if firstEmpty < 0 {
		pa.lowFree = pa.pages
	} else {
		pa.lowFree = firstEmpty
	}
	return 0, false
}

// KindAt returns the tag of page idx.
func (pa *Allocator) KindAt(idx int) Kind {
	return Kind(pa.arena.U8(pa.rat.Add(idx)))
}

func (pa *Allocator) setKind(idx int, k Kind) {
	pa.arena.PutU8(pa.rat.Add(idx), uint8(k))
}

// KindOf returns the tag of the page containing addr, which must be inside the arena.
func (pa *Allocator) KindOf(addr mem.Addr) Kind {
	return pa.KindAt(pa.PageIndex(addr))
}

// Lookup is KindOf for untrusted addresses: ok is false when addr is outside the arena.
func (pa *Allocator) Lookup(addr mem.Addr) (Kind, bool) {
	if !pa.arena.Contains(addr, 1) {
		return Empty, false
	}
	return pa.KindOf(addr), true
}

// PageIndex returns the index of the page containing addr.
func (pa *Allocator) PageIndex(addr mem.Addr) int {
	return int(addr-pa.arena.Base()) >> format.PageShift
}

// PageAddr returns the address of page idx.
func (pa *Allocator) PageAddr(idx int) mem.Addr {
	return pa.arena.Base().Add(idx << format.PageShift)
}

// RunStart returns the first page of the lease containing idx, or -1 when
// idx is not inside a live lease.
func (pa *Allocator) RunStart(idx int) int {
	for i := idx; i >= pa.firstUsable; i-- {
		if n, ok := pa.runs[i]; ok {
			if i+n > idx {
				return i
			}
			return -1
		}
	}
	return -1
}

// RunLength returns the number of pages in the lease starting at idx, or 0
// when no lease starts there.
func (pa *Allocator) RunLength(idx int) int {
	return pa.runs[idx]
}

// Runs returns the number of live leases.
func (pa *Allocator) Runs() int { return len(pa.runs) }

// Pages returns the total number of pages.
func (pa *Allocator) Pages() int { return pa.pages }

// FirstUsable returns the index of the first leasable page.
func (pa *Allocator) FirstUsable() int { return pa.firstUsable }

// FreePages returns the number of Empty pages.
func (pa *Allocator) FreePages() int { return pa.stats.kinds[Empty] }

// ForEach calls fn for every page tagged kind, in address order, until fn returns false.
func (pa *Allocator) ForEach(kind Kind, fn func(idx int, addr mem.Addr) bool) {
	for i := pa.firstUsable; i < pa.pages; i++ {
		if pa.KindAt(i) != kind {
			continue
		}
		if !fn(i, pa.PageAddr(i)) {
			return
		}
	}
}

// Map returns a copy of the RAT, one Kind per page.
func (pa *Allocator) Map() []Kind {
	out := make([]Kind, pa.pages)
	for i := range out {
		out[i] = pa.KindAt(i)
	}
	return out
}

// Stats returns a snapshot of page usage.
func (pa *Allocator) Stats() Stats {
	s := pa.stats
	s.FreePages = s.kinds[Empty]
	s.ByKind = make(map[Kind]int, numKinds)
	for k, n := range s.kinds {
		if n > 0 {
			s.ByKind[Kind(k)] = n
		}
	}
	run := 0
	for i := pa.firstUsable; i < pa.pages; i++ {
		if pa.KindAt(i) == Empty {
			run++
			s.LargestRun = max(s.LargestRun, run)
		} else {
			run = 0
		}
	}
	return s
}
