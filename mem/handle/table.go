// Package handle implements the handle table: indirect references to heap
// objects handed to native code, with weak, strong, pinned and dependent
// flavours.
//
// Entries are 32 bytes in Unmanaged pages (layout in internal/format). A
// Handle value encodes the entry index and its generation, so a handle kept
// after Free is rejected even when the entry has been reused.
//
// Weak targets are cleared from a free listener registered with the refcount
// engine: when a weakly referenced object is freed, its entries are zeroed
// before the slot is returned, so Get never yields a reused address.
//
// NOT thread-safe.
package handle

import (
	"fmt"

	"github.com/joshuapare/kernmem/internal/format"
	"github.com/joshuapare/kernmem/mem"
	"github.com/joshuapare/kernmem/mem/large"
	"github.com/joshuapare/kernmem/mem/page"
	"github.com/joshuapare/kernmem/mem/rc"
)

// Kind is the flavour of a handle entry. 0 marks a free entry.
type Kind uint8

const (
	Weak      Kind = 1 // does not keep the target alive
	Normal    Kind = 2 // holds a reference
	Pinned    Kind = 3 // holds a reference and pins the target in place
	Dependent Kind = 4 // weak primary keeping a strong secondary alive
)

func (k Kind) String() string {
	switch k {
	case Weak:
		return "Weak"
	case Normal:
		return "Normal"
	case Pinned:
		return "Pinned"
	case Dependent:
		return "Dependent"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Handle identifies a table entry: generation<<32 | index+1. The zero
// Handle is never issued.
type Handle uint64

func makeHandle(idx int, gen uint32) Handle { return Handle(uint64(gen)<<32 | uint64(idx+1)) }

func (h Handle) index() int         { return int(uint32(h)) - 1 }
func (h Handle) generation() uint32 { return uint32(h >> 32) }
func (h Handle) String() string     { return fmt.Sprintf("h%d.%d", h.index(), h.generation()) }

// Stats is a snapshot of table usage.
type Stats struct {
	Capacity    int
	Live        int
	ByKind      map[Kind]int
	Allocs      int
	Frees       int
	WeakCleared int // weak and dependent entries cleared by a target's free
	PinnedObjs  int // distinct objects currently pinned
}

// Table is the handle table.
type Table struct {
	pa     *page.Allocator
	arena  *mem.Arena
	engine *rc.Engine
	large  *large.Heap

	pages    []mem.Addr
	capacity int
	bump     int    // first entry index never issued
	freeHead uint32 // first free entry index + 1

	weak map[mem.Addr][]int // target -> weak/dependent entries watching it
	pins map[mem.Addr]int   // target -> pinned handle count

	live   int
	byKind [Dependent + 1]int
	stats  Stats
}

// New acquires the pages for capacity entries and registers the table's
// free listener with engine.
func New(pa *page.Allocator, engine *rc.Engine, lh *large.Heap, capacity int) (*Table, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity %d", ErrTableFull, capacity)
	}
	n := (capacity + format.HandleEntriesPerPage - 1) / format.HandleEntriesPerPage
	t := &Table{
		pa:       pa,
		arena:    pa.Arena(),
		engine:   engine,
		large:    lh,
		capacity: capacity,
		weak:     make(map[mem.Addr][]int),
		pins:     make(map[mem.Addr]int),
	}
	for range n {
		p, err := pa.Acquire(1, page.Unmanaged)
		if err != nil {
			for _, q := range t.pages {
				pa.Release(q, 1)
			}
			return nil, fmt.Errorf("handle: table pages: %w", err)
		}
		t.pages = append(t.pages, p)
	}
	engine.OnFree(t.onFree)
	return t, nil
}

func (t *Table) entry(idx int) mem.Addr {
	return t.pages[idx/format.HandleEntriesPerPage].Add((idx % format.HandleEntriesPerPage) * format.HandleEntrySize)
}

func (t *Table) kindAt(e mem.Addr) Kind     { return Kind(t.arena.U8(e.Add(format.HandleKindOffset))) }
func (t *Table) target(e mem.Addr) mem.Addr { return t.arena.Ref(e.Add(format.HandleTargetOffset)) }
func (t *Table) secondary(e mem.Addr) mem.Addr {
	return t.arena.Ref(e.Add(format.HandleSecondaryOffset))
}
func (t *Table) generation(e mem.Addr) uint32 {
	return t.arena.U32(e.Add(format.HandleGenerationOffset))
}
func (t *Table) setTarget(e mem.Addr, v mem.Addr) {
	t.arena.PutRef(e.Add(format.HandleTargetOffset), v)
}
func (t *Table) setSecondary(e mem.Addr, v mem.Addr) {
	t.arena.PutRef(e.Add(format.HandleSecondaryOffset), v)
}

// resolve validates h and returns its entry address.
func (t *Table) resolve(h Handle) (int, mem.Addr, error) {
	idx := h.index()
	if h == 0 || idx < 0 || idx >= t.bump {
		return 0, mem.Null, fmt.Errorf("%w: %v", ErrBadHandle, h)
	}
	e := t.entry(idx)
	if t.kindAt(e) == 0 || t.generation(e) != h.generation() {
		return 0, mem.Null, fmt.Errorf("%w: %v", ErrBadHandle, h)
	}
	return idx, e, nil
}

// take pops a free entry or bumps a new one, stamps kind and returns the new handle.
func (t *Table) take(kind Kind) (int, mem.Addr, Handle, error) {
	var idx int
	switch {
	case t.freeHead != 0:
		idx = int(t.freeHead) - 1
		t.freeHead = t.arena.U32(t.entry(idx).Add(format.HandleNextFreeOffset))
	case t.bump < t.capacity:
		idx = t.bump
		t.bump++
	default:
		return 0, mem.Null, 0, fmt.Errorf("%w: %d entries", ErrTableFull, t.capacity)
	}

	e := t.entry(idx)
	gen := t.generation(e) + 1
	if gen == 0 {
		gen = 1
	}
	t.arena.Zero(e, format.HandleEntrySize)
	t.arena.PutU8(e.Add(format.HandleKindOffset), uint8(kind))
	t.arena.PutU32(e.Add(format.HandleGenerationOffset), gen)

	t.live++
	t.byKind[kind]++
	t.stats.Allocs++
	return idx, e, makeHandle(idx, gen), nil
}

// release clears the entry and links it onto the free list. The generation
// is kept so the next issue bumps it.
func (t *Table) release(idx int, e mem.Addr) {
	t.byKind[t.kindAt(e)]--
	gen := t.generation(e)
	t.arena.Zero(e, format.HandleEntrySize)
	t.arena.PutU32(e.Add(format.HandleGenerationOffset), gen)
	t.arena.PutU32(e.Add(format.HandleNextFreeOffset), t.freeHead)
	t.freeHead = uint32(idx + 1)
	t.live--
	t.stats.Frees++
}

// Alloc issues a Weak, Normal or Pinned handle to target. Normal and Pinned
// handles take a reference; Pinned also pins the target.
func (t *Table) Alloc(target mem.Addr, kind Kind) (Handle, error) {
	if kind != Weak && kind != Normal && kind != Pinned {
		return 0, fmt.Errorf("%w: Alloc with %v", ErrBadKind, kind)
	}
	if err := t.engine.Check(target); err != nil {
		return 0, err
	}
	idx, e, h, err := t.take(kind)
	if err != nil {
		return 0, err
	}
	t.setTarget(e, target)
	t.hold(idx, kind, target)
	return h, nil
}

// AllocDependent issues a Dependent handle: primary is watched weakly and
// secondary is kept alive for as long as primary lives.
func (t *Table) AllocDependent(primary, secondary mem.Addr) (Handle, error) {
	if primary == mem.Null {
		return 0, fmt.Errorf("%w: dependent handle needs a primary", ErrBadHandle)
	}
	if err := t.engine.Check(primary); err != nil {
		return 0, err
	}
	if err := t.engine.Check(secondary); err != nil {
		return 0, err
	}
	idx, e, h, err := t.take(Dependent)
	if err != nil {
		return 0, err
	}
	t.setTarget(e, primary)
	t.setSecondary(e, secondary)
	t.engine.IncRef(secondary)
	t.watch(primary, idx)
	return h, nil
}

// hold applies kind's effect on target for entry idx.
func (t *Table) hold(idx int, kind Kind, target mem.Addr) {
	if target == mem.Null {
		return
	}
	switch kind {
	case Weak:
		t.watch(target, idx)
	case Normal:
		t.engine.IncRef(target)
	case Pinned:
		t.engine.IncRef(target)
		t.pin(target)
	}
}

// drop undoes hold. It may free target.
func (t *Table) drop(idx int, kind Kind, target mem.Addr) {
	if target == mem.Null {
		return
	}
	switch kind {
	case Weak:
		t.unwatch(target, idx)
	case Normal:
		t.engine.DecRef(target)
	case Pinned:
		t.unpin(target)
		t.engine.DecRef(target)
	}
}

func (t *Table) watch(target mem.Addr, idx int) {
	t.weak[target] = append(t.weak[target], idx)
}

func (t *Table) unwatch(target mem.Addr, idx int) {
	list := t.weak[target]
	for i, v := range list {
		if v == idx {
			list[i] = list[len(list)-1]
			list = list[:len(list)-1]
			break
		}
	}
	if len(list) == 0 {
		delete(t.weak, target)
	} else {
		t.weak[target] = list
	}
}

func (t *Table) pin(target mem.Addr) {
	t.pins[target]++
	if t.pins[target] == 1 && t.large.Owns(target) {
		t.large.SetStatus(target, t.large.Status(target)|format.GCStatusPinned)
	}
}

func (t *Table) unpin(target mem.Addr) {
	t.pins[target]--
	if t.pins[target] > 0 {
		return
	}
	delete(t.pins, target)
	if t.large.Owns(target) {
		t.large.SetStatus(target, t.large.Status(target)&^format.GCStatusPinned)
	}
}

// Free releases h and whatever it held.
func (t *Table) Free(h Handle) error {
	idx, e, err := t.resolve(h)
	if err != nil {
		return err
	}
	kind := t.kindAt(e)
	target, secondary := t.target(e), t.secondary(e)

	// Release the entry before dropping references; the drops may run free
	// listeners, this table's included.
	t.release(idx, e)
	if kind == Dependent {
		if target != mem.Null {
			t.unwatch(target, idx)
		}
		t.engine.DecRef(secondary)
		return nil
	}
	t.drop(idx, kind, target)
	return nil
}

// Get returns the handle's target. Weak and dependent handles return Null
// once the target has been freed or is only awaiting collection.
func (t *Table) Get(h Handle) (mem.Addr, error) {
	_, e, err := t.resolve(h)
	if err != nil {
		return mem.Null, err
	}
	target := t.target(e)
	if k := t.kindAt(e); (k == Weak || k == Dependent) && target != mem.Null && t.engine.RefCount(target) == 0 {
		return mem.Null, nil
	}
	return target, nil
}

// GetDependent returns both halves of a dependent handle. Both are Null once
// the primary is gone.
func (t *Table) GetDependent(h Handle) (primary, secondary mem.Addr, err error) {
	_, e, err := t.resolve(h)
	if err != nil {
		return mem.Null, mem.Null, err
	}
	if t.kindAt(e) != Dependent {
		return mem.Null, mem.Null, fmt.Errorf("%w: %v is %v", ErrBadKind, h, t.kindAt(e))
	}
	primary = t.target(e)
	if primary != mem.Null && t.engine.RefCount(primary) == 0 {
		return mem.Null, mem.Null, nil
	}
	return primary, t.secondary(e), nil
}

// SetTarget retargets a Weak, Normal or Pinned handle.
func (t *Table) SetTarget(h Handle, target mem.Addr) error {
	idx, e, err := t.resolve(h)
	if err != nil {
		return err
	}
	kind := t.kindAt(e)
	if kind == Dependent {
		return fmt.Errorf("%w: cannot retarget a dependent handle", ErrBadKind)
	}
	if err := t.engine.Check(target); err != nil {
		return err
	}
	old := t.target(e)
	t.hold(idx, kind, target)
	t.setTarget(e, target)
	t.drop(idx, kind, old)
	return nil
}

// Kind returns the kind of h.
func (t *Table) Kind(h Handle) (Kind, error) {
	_, e, err := t.resolve(h)
	if err != nil {
		return 0, err
	}
	return t.kindAt(e), nil
}

// IsPinned reports whether obj is the target of at least one pinned handle.
func (t *Table) IsPinned(obj mem.Addr) bool { return t.pins[obj] > 0 }

// onFree clears the weak entries watching obj and releases the secondaries
// of dependent entries whose primary it is.
func (t *Table) onFree(obj mem.Addr) {
	list, ok := t.weak[obj]
	if !ok {
		return
	}
	delete(t.weak, obj)
	for _, idx := range list {
		e := t.entry(idx)
		t.setTarget(e, mem.Null)
		t.stats.WeakCleared++
		if t.kindAt(e) == Dependent {
			sec := t.secondary(e)
			t.setSecondary(e, mem.Null)
			t.engine.DecRef(sec)
		}
	}
}

// ForEach calls fn for every live entry until fn returns false.
func (t *Table) ForEach(fn func(h Handle, kind Kind, target, secondary mem.Addr) bool) {
	for i := range t.bump {
		e := t.entry(i)
		k := t.kindAt(e)
		if k == 0 {
			continue
		}
		if !fn(makeHandle(i, t.generation(e)), k, t.target(e), t.secondary(e)) {
			return
		}
	}
}

// Pages returns the Unmanaged pages holding the entries.
func (t *Table) Pages() []mem.Addr { return t.pages }

// Stats returns a snapshot of table usage.
func (t *Table) Stats() Stats {
	s := t.stats
	s.Capacity = t.capacity
	s.Live = t.live
	s.PinnedObjs = len(t.pins)
	s.ByKind = make(map[Kind]int, len(t.byKind))
	for k, n := range t.byKind {
		if n > 0 {
			s.ByKind[Kind(k)] = n
		}
	}
	return s
}
