// Package rc is the reference-counting engine. Every reference store in the
// arena goes through it; it keeps object refcounts in step with the stores
// and frees objects whose count reaches zero, releasing their children first.
//
// Refcounts live in the owning heap's header. The owner is found from the
// page tag of the page holding the body: SmallHeap pages belong to the SMT,
// MediumHeap and LargeHeap pages to the large heap.
//
// NOT thread-safe.
package rc

import (
	"fmt"

	"github.com/joshuapare/kernmem/internal/format"
	"github.com/joshuapare/kernmem/mem"
	"github.com/joshuapare/kernmem/mem/large"
	"github.com/joshuapare/kernmem/mem/page"
	"github.com/joshuapare/kernmem/mem/smt"
	"github.com/joshuapare/kernmem/mem/typedesc"
)

// objectHeap is the per-object metadata surface shared by both heaps.
type objectHeap interface {
	RefCount(body mem.Addr) uint16
	SetRefCount(body mem.Addr, rc uint16)
	IsAllocated(body mem.Addr) bool
	SizeOf(body mem.Addr) int
	Free(body mem.Addr) bool
}

var (
	_ objectHeap = (*smt.Heap)(nil)
	_ objectHeap = (*large.Heap)(nil)
)

// FreeListener is told about an object after its refcount reached zero and
// before its slot is returned. Listeners may DecRef other objects; frees that
// result join the running cascade.
type FreeListener func(obj mem.Addr)

// Stats counts engine activity.
type Stats struct {
	Incs          int
	Decs          int
	Frees         int // objects returned to their heap
	DeferredZeros int // DecRefDeferred calls that left a zero count behind
	Cascades      int // top-level FreeObjectAndReferences runs
	MaxWorklist   int // deepest worklist seen
}

type workItem struct {
	obj      mem.Addr
	expanded bool // children already released
}

// Engine is the reference-counting engine.
type Engine struct {
	arena *mem.Arena
	pa    *page.Allocator
	small *smt.Heap
	large *large.Heap
	types *typedesc.Registry

	listeners []FreeListener

	// raw holds untyped byte objects. Their whole body is payload, the type
	// word included, and they hold no references.
	raw map[mem.Addr]struct{}

	work      []workItem
	cascading bool

	stats Stats
}

// New wires an engine over the two heaps. types resolves the type word of
// every object body.
func New(pa *page.Allocator, small *smt.Heap, lh *large.Heap, types *typedesc.Registry) *Engine {
	return &Engine{
		arena: pa.Arena(),
		pa:    pa,
		small: small,
		large: lh,
		types: types,
		raw:   make(map[mem.Addr]struct{}),
	}
}

// Arena returns the arena holding the objects.
func (e *Engine) Arena() *mem.Arena { return e.arena }

// OnFree registers a free listener.
func (e *Engine) OnFree(fn FreeListener) {
	e.listeners = append(e.listeners, fn)
}

// heapOf resolves the owning heap of obj. A body on an Empty page is a
// use-after-free; any other tag is corruption.
func (e *Engine) heapOf(obj mem.Addr) objectHeap {
	k, ok := e.pa.Lookup(obj)
	if !ok {
		mem.Fatalf(mem.ErrBadAddr, obj, "object outside the arena")
	}
	switch k {
	case page.SmallHeap:
		return e.small
	case page.MediumHeap, page.LargeHeap:
		return e.large
	case page.Empty:
		mem.Fatalf(mem.ErrUseAfterFree, obj, "object on a released page")
	}
	mem.Fatalf(mem.ErrCorruptMetadata, obj, "object on a %v page", k)
	return nil
}

// Check returns an error unless obj is a live object. Null is accepted.
func (e *Engine) Check(obj mem.Addr) error {
	if obj == mem.Null {
		return nil
	}
	k, ok := e.pa.Lookup(obj)
	if !ok {
		return fmt.Errorf("%w: 0x%X outside the arena", mem.ErrBadAddr, uint64(obj))
	}
	var live bool
	switch k {
	case page.SmallHeap:
		live = e.small.IsAllocated(obj)
	case page.MediumHeap, page.LargeHeap:
		live = e.large.IsAllocated(obj)
	}
	if !live || e.heapOf(obj).RefCount(obj) == 0 {
		return fmt.Errorf("%w: 0x%X is not a live object", mem.ErrBadAddr, uint64(obj))
	}
	return nil
}

// IsLive reports whether obj is an allocated object, whatever its refcount.
func (e *Engine) IsLive(obj mem.Addr) bool {
	k, ok := e.pa.Lookup(obj)
	if !ok {
		return false
	}
	switch k {
	case page.SmallHeap:
		return e.small.IsAllocated(obj)
	case page.MediumHeap, page.LargeHeap:
		return e.large.IsAllocated(obj)
	}
	return false
}

// RefCount returns the refcount of obj.
func (e *Engine) RefCount(obj mem.Addr) uint16 {
	return e.heapOf(obj).RefCount(obj)
}

// SizeOf returns the size recorded in obj's header.
func (e *Engine) SizeOf(obj mem.Addr) int {
	return e.heapOf(obj).SizeOf(obj)
}

// IncRef adds a reference to obj. Null is ignored.
func (e *Engine) IncRef(obj mem.Addr) {
	if obj == mem.Null {
		return
	}
	h := e.heapOf(obj)
	n := h.RefCount(obj)
	switch n {
	case 0:
		mem.Fatalf(mem.ErrUseAfterFree, obj, "IncRef on a freed object")
	case format.MaxRefCount:
		mem.Fatalf(mem.ErrRefOverflow, obj, "refcount at %d", n)
	}
	h.SetRefCount(obj, n+1)
	e.stats.Incs++
}

// decrement drops one reference and returns the new count.
func (e *Engine) decrement(obj mem.Addr) uint16 {
	h := e.heapOf(obj)
	n := h.RefCount(obj)
	if n == 0 {
		mem.Fatalf(mem.ErrRefUnderflow, obj, "DecRef on a zero refcount")
	}
	n--
	h.SetRefCount(obj, n)
	e.stats.Decs++
	return n
}

// DecRef drops a reference to obj and frees it, with everything it alone
// kept alive, when the count reaches zero. Null is ignored.
func (e *Engine) DecRef(obj mem.Addr) {
	if obj == mem.Null {
		return
	}
	if e.decrement(obj) == 0 {
		e.FreeObjectAndReferences(obj)
	}
}

// DecRefDeferred drops a reference without freeing. An object left at zero
// stays allocated until the collector reclaims it.
func (e *Engine) DecRefDeferred(obj mem.Addr) {
	if obj == mem.Null {
		return
	}
	if e.decrement(obj) == 0 {
		e.stats.DeferredZeros++
	}
}

// AssignRef stores val at loc, taking a reference to val and dropping the
// reference held by the previous value.
func (e *Engine) AssignRef(loc, val mem.Addr) {
	e.IncRef(val)
	old := e.arena.Ref(loc)
	e.arena.PutRef(loc, val)
	e.DecRef(old)
}

// Adopt stores val at loc, transferring the caller's reference to val
// instead of taking a new one. The previous value's reference is dropped.
func (e *Engine) Adopt(loc, val mem.Addr) {
	old := e.arena.Ref(loc)
	e.arena.PutRef(loc, val)
	e.DecRef(old)
}

// Load returns the reference stored at loc.
func (e *Engine) Load(loc mem.Addr) mem.Addr {
	return e.arena.Ref(loc)
}

// FreeObjectAndReferences frees obj, whose refcount must already be zero,
// after releasing every reference it holds. Children whose count drops to
// zero are freed first (post-order). Calls made while a cascade is running
// join its worklist.
func (e *Engine) FreeObjectAndReferences(obj mem.Addr) {
	e.work = append(e.work, workItem{obj: obj})
	if e.cascading {
		return
	}
	e.cascading = true
	defer func() {
		e.cascading = false
		e.work = e.work[:0]
	}()
	e.stats.Cascades++

	for len(e.work) > 0 {
		top := len(e.work) - 1
		e.stats.MaxWorklist = max(e.stats.MaxWorklist, len(e.work))

		if !e.work[top].expanded {
			e.work[top].expanded = true
			cur := e.work[top].obj
			for _, fn := range e.listeners {
				fn(cur)
			}
			e.ForEachRef(cur, func(_ mem.Addr, child mem.Addr) bool {
				if e.decrement(child) == 0 {
					e.work = append(e.work, workItem{obj: child})
				}
				return true
			})
			continue
		}

		cur := e.work[top].obj
		e.work = e.work[:top]
		delete(e.raw, cur)
		if e.heapOf(cur).Free(cur) {
			e.stats.Frees++
		}
	}
}

// MarkRaw records obj as an untyped byte object.
func (e *Engine) MarkRaw(obj mem.Addr) {
	e.raw[obj] = struct{}{}
}

// IsRaw reports whether obj was marked as an untyped byte object.
func (e *Engine) IsRaw(obj mem.Addr) bool {
	_, ok := e.raw[obj]
	return ok
}

// ForEachRaw calls fn for every object marked raw until fn returns false.
func (e *Engine) ForEachRaw(fn func(obj mem.Addr) bool) {
	for obj := range e.raw {
		if !fn(obj) {
			return
		}
	}
}

// TypeOf returns the descriptor stamped in obj's type word, nil for untyped
// (raw) objects.
func (e *Engine) TypeOf(obj mem.Addr) *typedesc.Desc {
	if e.IsRaw(obj) {
		return nil
	}
	id := typedesc.ID(e.arena.U64(obj.Add(format.TypeWordOffset)))
	if id == 0 {
		return nil
	}
	d, err := e.types.Lookup(id)
	if err != nil {
		mem.Fatalf(mem.ErrCorruptMetadata, obj, "%v", err)
	}
	return d
}

// RefOwner returns the live object holding the reference word at loc. ok is
// false unless loc is a reference field or reference array element of an
// object with a non-zero refcount.
func (e *Engine) RefOwner(loc mem.Addr) (mem.Addr, bool) {
	k, ok := e.pa.Lookup(loc)
	if !ok {
		return mem.Null, false
	}
	var obj mem.Addr
	switch k {
	case page.SmallHeap:
		obj, ok = e.small.ObjectAt(loc)
	case page.MediumHeap, page.LargeHeap:
		obj, ok = e.large.ObjectAt(loc)
	default:
		return mem.Null, false
	}
	if !ok || e.heapOf(obj).RefCount(obj) == 0 {
		return mem.Null, false
	}
	off := int(loc - obj)
	if off%format.WordSize != 0 {
		return mem.Null, false
	}
	d := e.TypeOf(obj)
	if d == nil {
		return mem.Null, false
	}
	if d.RefMap.Has(off / format.WordSize) {
		return obj, true
	}
	if !d.ElemIsRef || off < format.ArrayHeaderSize {
		return mem.Null, false
	}
	n := int(e.arena.U32(obj.Add(format.ArrayLengthOffset)))
	return obj, (off-format.ArrayHeaderSize)/format.WordSize < n
}

// ForEachRef calls fn with the location and value of every non-null
// reference held by obj: fields from the descriptor's reference map, then
// elements of reference arrays.
func (e *Engine) ForEachRef(obj mem.Addr, fn func(loc, child mem.Addr) bool) {
	d := e.TypeOf(obj)
	if d == nil {
		return
	}
	stop := false
	d.RefMap.Words(func(i int) {
		if stop {
			return
		}
		loc := obj.Add(i * format.WordSize)
		if child := e.arena.Ref(loc); child != mem.Null {
			stop = !fn(loc, child)
		}
	})
	if stop || !d.ElemIsRef {
		return
	}
	n := int(e.arena.U32(obj.Add(format.ArrayLengthOffset)))
	for j := range n {
		loc := obj.Add(format.ArrayHeaderSize + j*format.WordSize)
		if child := e.arena.Ref(loc); child != mem.Null {
			if !fn(loc, child) {
				return
			}
		}
	}
}

// Stats returns a snapshot of engine activity.
func (e *Engine) Stats() Stats { return e.stats }
