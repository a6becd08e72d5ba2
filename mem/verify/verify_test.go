package verify

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/kernmem/internal/format"
	"github.com/joshuapare/kernmem/internal/testutil"
	"github.com/joshuapare/kernmem/mem"
	"github.com/joshuapare/kernmem/mem/handle"
	"github.com/joshuapare/kernmem/mem/large"
	"github.com/joshuapare/kernmem/mem/native"
	"github.com/joshuapare/kernmem/mem/page"
	"github.com/joshuapare/kernmem/mem/rc"
	"github.com/joshuapare/kernmem/mem/roots"
	"github.com/joshuapare/kernmem/mem/smt"
	"github.com/joshuapare/kernmem/mem/typedesc"
)

type world struct {
	st    State
	a     *mem.Arena
	node  *typedesc.Desc
	small mem.Addr // node held by a root and pointing at big
	big   mem.Addr // pinned large node
	root  mem.Addr
	lease mem.Addr // two-page native lease
	slot  mem.Addr // native slot lease
}

// rawSlots serves native slot leases as untyped small objects.
type rawSlots struct {
	small *smt.Heap
	e     *rc.Engine
}

func (r rawSlots) AllocSlot(size int) (mem.Addr, int, error) {
	obj, err := r.small.Allocate(size)
	if err != nil {
		return mem.Null, 0, err
	}
	r.e.MarkRaw(obj)
	return obj, r.small.SizeOf(obj), nil
}

func (r rawSlots) FreeSlot(addr mem.Addr) { r.e.DecRef(addr) }

// newWorld builds a small consistent heap: root -> small -> big, with big
// also held by a pinned handle and watched by a weak one.
func newWorld(t *testing.T) *world {
	t.Helper()
	a := testutil.NewArena(t, 64)
	pa, err := page.New(a, page.Options{})
	require.NoError(t, err)
	small, err := smt.New(pa, smt.DefaultConfig)
	require.NoError(t, err)
	lh := large.New(pa)
	types := typedesc.NewRegistry()
	e := rc.New(pa, small, lh, types)
	ht, err := handle.New(pa, e, lh, 16)
	require.NoError(t, err)
	rt := roots.New(pa, 64)
	nh := native.New(pa, rawSlots{small: small, e: e})

	w := &world{
		st:   State{Pages: pa, Small: small, Large: lh, Engine: e, Roots: rt, Handles: ht, Native: nh},
		a:    a,
		node: types.MustRegister(typedesc.NewObject("Node", 16, 8)),
	}

	w.small, err = small.Allocate(16)
	require.NoError(t, err)
	a.PutU64(w.small, uint64(w.node.ID()))
	w.big, err = lh.Allocate(2 * format.PageSize)
	require.NoError(t, err)
	a.PutU64(w.big, uint64(w.node.ID()))

	w.root, err = rt.New()
	require.NoError(t, err)
	e.Adopt(w.root, w.small)
	e.Adopt(w.small.Add(8), w.big)
	_, err = ht.Alloc(w.big, handle.Pinned)
	require.NoError(t, err)
	_, err = ht.Alloc(w.big, handle.Weak)
	require.NoError(t, err)

	w.lease, err = nh.Alloc(2 * format.PageSize)
	require.NoError(t, err)
	w.slot, err = nh.Alloc(40)
	require.NoError(t, err)
	return w
}

func requireValidation(t *testing.T, err error, typ, contains string) {
	t.Helper()
	require.Error(t, err)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "got %T", err)
	require.Equal(t, typ, verr.Type)
	require.Contains(t, verr.Error(), contains)
}

func TestAllInvariants_Valid(t *testing.T) {
	w := newWorld(t)
	require.NoError(t, AllInvariants(w.st))
}

func TestPageTable_TagOutsideLease(t *testing.T) {
	w := newWorld(t)
	pa := w.st.Pages
	idx := pa.Pages() - 1
	require.Equal(t, page.Empty, pa.KindAt(idx))

	// The RAT sits at the arena base when nothing is reserved.
	w.a.PutU8(w.a.Base().Add(idx), uint8(page.LargeHeap))
	requireValidation(t, PageTable(w.st), "PageTable", "outside any lease")
}

func TestPageTable_MixedTagsInLease(t *testing.T) {
	w := newWorld(t)
	pa := w.st.Pages
	idx := pa.PageIndex(w.big)
	require.Equal(t, page.LargeHeap, pa.KindAt(idx+1))

	w.a.PutU8(w.a.Base().Add(idx+1), uint8(page.Unmanaged))
	requireValidation(t, PageTable(w.st), "PageTable", "inside a LargeHeap lease")
}

func TestPageTable_UnknownTag(t *testing.T) {
	w := newWorld(t)
	idx := w.st.Pages.Pages() - 1
	w.a.PutU8(w.a.Base().Add(idx), 7)
	requireValidation(t, PageTable(w.st), "PageTable", "unknown tag 7")
}

func TestSmallHeap_CorruptSlotClass(t *testing.T) {
	w := newWorld(t)
	w.a.PutU16(w.small.Sub(format.SmallHeaderSize), 300)
	requireValidation(t, SmallHeap(w.st), "SmallHeap", "slot class field 300")
}

func TestSmallHeap_CorruptSizeMap(t *testing.T) {
	w := newWorld(t)
	w.a.PutU16(w.st.Small.SizeMapAddr().Add(format.SizeMapClassesOffset), 12)
	requireValidation(t, SmallHeap(w.st), "SmallHeap", "size map")
}

func TestLargeHeap_SizeRunMismatch(t *testing.T) {
	w := newWorld(t)
	w.a.PutU32(w.big.Sub(format.LargeHeaderSize).Add(format.LargeSizeOffset), 100)
	err := LargeHeap(w.st)
	requireValidation(t, err, "LargeHeap", "run of 3 pages")

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, 1, verr.Details["expected"])
}

func TestHandles_MissingPinBit(t *testing.T) {
	w := newWorld(t)
	w.st.Large.SetStatus(w.big, 0)
	requireValidation(t, Handles(w.st), "Handles", "not marked pinned")
}

func TestRefCounts_CountBelowIncoming(t *testing.T) {
	w := newWorld(t)
	// small -> big and the pinned handle: two incoming references.
	w.st.Large.SetRefCount(w.big, 1)
	requireValidation(t, RefCounts(w.st), "RefCounts", "below 2 incoming")
}

func TestRefCounts_DanglingRoot(t *testing.T) {
	w := newWorld(t)
	dead, err := w.st.Small.Allocate(16)
	require.NoError(t, err)
	w.st.Engine.DecRef(dead)

	slot, err := w.st.Roots.New()
	require.NoError(t, err)
	w.a.PutRef(slot, dead)
	requireValidation(t, RefCounts(w.st), "RefCounts", "root reference to a dead object")
}

func TestRefCounts_IgnoresOptionalComponents(t *testing.T) {
	w := newWorld(t)
	st := w.st
	st.Roots, st.Handles = nil, nil
	require.NoError(t, AllInvariants(st))
}

func TestNative_LeasedPageRetagged(t *testing.T) {
	w := newWorld(t)
	idx := w.st.Pages.PageIndex(w.lease)
	w.a.PutU8(w.a.Base().Add(idx+1), uint8(page.SmallHeap))
	requireValidation(t, Native(w.st), "Native", "tagged SmallHeap")
}

func TestNative_SlotLeaseRefCount(t *testing.T) {
	w := newWorld(t)
	w.st.Engine.IncRef(w.slot)
	requireValidation(t, Native(w.st), "Native", "refcount 1")
}

func TestNative_FreedLeasePassesAndReturnsPages(t *testing.T) {
	w := newWorld(t)
	free := w.st.Pages.FreePages()
	require.True(t, w.st.Native.Free(w.lease))
	require.True(t, w.st.Native.Free(w.slot))
	require.Equal(t, free+2, w.st.Pages.FreePages())
	require.NoError(t, AllInvariants(w.st))
}

func TestNative_UnmanagedAccounting(t *testing.T) {
	w := newWorld(t)
	// An Unmanaged run nobody accounts for.
	_, err := w.st.Pages.Acquire(1, page.Unmanaged)
	require.NoError(t, err)
	requireValidation(t, Native(w.st), "Native", "Unmanaged page count mismatch")
}

func TestRefCounts_StaleUntypedMark(t *testing.T) {
	w := newWorld(t)
	obj, err := w.st.Small.Allocate(16)
	require.NoError(t, err)
	w.st.Engine.MarkRaw(obj)
	require.True(t, w.st.Small.Free(obj))
	requireValidation(t, RefCounts(w.st), "RefCounts", "untyped mark")
}
