package gc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/kernmem/internal/format"
	"github.com/joshuapare/kernmem/internal/testutil"
	"github.com/joshuapare/kernmem/mem"
	"github.com/joshuapare/kernmem/mem/large"
	"github.com/joshuapare/kernmem/mem/page"
	"github.com/joshuapare/kernmem/mem/rc"
	"github.com/joshuapare/kernmem/mem/smt"
	"github.com/joshuapare/kernmem/mem/typedesc"
)

type fixture struct {
	a     *mem.Arena
	pa    *page.Allocator
	small *smt.Heap
	large *large.Heap
	e     *rc.Engine
	c     *Collector
	node  *typedesc.Desc // type word + one reference at 8
	pair  *typedesc.Desc // type word + references at 8 and 16
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	a := testutil.NewArena(t, 64)
	pa, err := page.New(a, page.Options{})
	require.NoError(t, err)
	small, err := smt.New(pa, smt.DefaultConfig)
	require.NoError(t, err)
	lh := large.New(pa)
	types := typedesc.NewRegistry()
	e := rc.New(pa, small, lh, types)
	return &fixture{
		a: a, pa: pa, small: small, large: lh, e: e,
		c:    New(e, small, lh),
		node: types.MustRegister(typedesc.NewObject("Node", 16, 8)),
		pair: types.MustRegister(typedesc.NewObject("Pair", 24, 8, 16)),
	}
}

func (f *fixture) newNode(t *testing.T) mem.Addr {
	t.Helper()
	o, err := f.small.Allocate(16)
	require.NoError(t, err)
	f.a.PutU64(o, uint64(f.node.ID()))
	return o
}

func (f *fixture) newPair(t *testing.T) mem.Addr {
	t.Helper()
	o, err := f.small.Allocate(24)
	require.NoError(t, err)
	f.a.PutU64(o, uint64(f.pair.ID()))
	return o
}

func (f *fixture) newBigNode(t *testing.T) mem.Addr {
	t.Helper()
	o, err := f.large.Allocate(2 * format.PageSize)
	require.NoError(t, err)
	f.a.PutU64(o, uint64(f.node.ID()))
	return o
}

func (f *fixture) link(from, to mem.Addr) { f.e.AssignRef(from.Add(8), to) }

func Test_GC_Collect_ReclaimsDeferredZerosWithChildren(t *testing.T) {
	f := newFixture(t)
	parent := f.newNode(t)
	child := f.newNode(t)
	f.link(parent, child)
	f.e.DecRef(child) // parent now holds the only reference

	big := f.newBigNode(t)
	keep := f.newNode(t)

	f.e.DecRefDeferred(parent)
	f.e.DecRefDeferred(big)
	require.True(t, f.e.IsLive(parent))

	st := f.c.Collect()
	require.Equal(t, 4, st.Scanned)
	require.Equal(t, 2, st.Reclaimed)
	require.Equal(t, 1, st.Cascaded)
	require.False(t, f.e.IsLive(parent))
	require.False(t, f.e.IsLive(child))
	require.False(t, f.e.IsLive(big))
	require.True(t, f.e.IsLive(keep))
}

func Test_GC_Collect_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	for range 10 {
		f.e.DecRefDeferred(f.newNode(t))
	}
	first := f.c.Collect()
	require.Equal(t, 10, first.Reclaimed)

	second := f.c.Collect()
	require.Zero(t, second.Reclaimed)
	require.Zero(t, second.Cascaded)
	require.Zero(t, second.PagesPruned)
	require.Equal(t, 2, f.c.Runs())
	require.Equal(t, 10, f.c.Totals().Reclaimed)
}

func Test_GC_Collect_PrunesEmptyPages(t *testing.T) {
	f := newFixture(t)
	free := f.pa.FreePages()
	for range 500 {
		f.e.DecRefDeferred(f.newNode(t))
	}
	require.Less(t, f.pa.FreePages(), free)

	st := f.c.Collect()
	require.Positive(t, st.PagesPruned)
	require.Equal(t, free, f.pa.FreePages())
}

func Test_GC_Collect_IsNotReentrant(t *testing.T) {
	f := newFixture(t)
	var nested []Stats
	f.e.OnFree(func(mem.Addr) {
		require.True(t, f.c.Running())
		nested = append(nested, f.c.Collect())
		nested = append(nested, f.c.CollectCycles())
	})
	f.e.DecRefDeferred(f.newNode(t))

	st := f.c.Collect()
	require.Equal(t, 1, st.Reclaimed)
	require.Equal(t, []Stats{{}, {}}, nested)
	require.False(t, f.c.Running())
	require.Equal(t, 1, f.c.Runs())
}

func Test_GC_Collect_LeavesCycles(t *testing.T) {
	f := newFixture(t)
	a, b := f.newNode(t), f.newNode(t)
	f.link(a, b)
	f.link(b, a)
	f.e.DecRef(a)
	f.e.DecRef(b)

	st := f.c.Collect()
	require.Zero(t, st.Reclaimed)
	require.True(t, f.e.IsLive(a))
	require.True(t, f.e.IsLive(b))
}

func Test_GC_CollectCycles_ReclaimsUnreachableCycle(t *testing.T) {
	f := newFixture(t)
	a, b := f.newNode(t), f.newNode(t)
	f.link(a, b)
	f.link(b, a)
	f.e.DecRef(a)
	f.e.DecRef(b)

	self := f.newBigNode(t)
	f.link(self, self)
	f.e.DecRef(self)

	st := f.c.CollectCycles()
	require.Equal(t, 3, st.Reclaimed)
	require.False(t, f.e.IsLive(a))
	require.False(t, f.e.IsLive(b))
	require.False(t, f.e.IsLive(self))
	require.Zero(t, f.small.Stats().LiveObjects)
	require.Zero(t, f.large.Stats().LiveObjects)
}

func Test_GC_CollectCycles_KeepsExternallyHeldCycle(t *testing.T) {
	f := newFixture(t)
	root, err := f.pa.Acquire(1, page.Unmanaged)
	require.NoError(t, err)

	a, b := f.newNode(t), f.newNode(t)
	f.link(a, b)
	f.link(b, a)
	f.e.Adopt(root, a)
	f.e.DecRef(b)

	st := f.c.CollectCycles()
	require.Zero(t, st.Reclaimed)
	require.Equal(t, uint16(2), f.e.RefCount(a))
	require.Equal(t, uint16(1), f.e.RefCount(b))

	// Once the root lets go the cycle is garbage.
	f.e.AssignRef(root, mem.Null)
	st = f.c.CollectCycles()
	require.Equal(t, 2, st.Reclaimed)
}

func Test_GC_CollectCycles_ReleasesSurvivorsHeldByGarbage(t *testing.T) {
	f := newFixture(t)
	survivor := f.newNode(t)

	// a -> b, b -> a and b -> survivor; only the caller holds survivor besides b.
	a, b := f.newNode(t), f.newPair(t)
	f.link(a, b)
	f.e.AssignRef(b.Add(8), a)
	f.e.AssignRef(b.Add(16), survivor)
	f.e.DecRef(a)
	f.e.DecRef(b)
	require.Equal(t, uint16(2), f.e.RefCount(survivor))

	st := f.c.CollectCycles()
	require.Equal(t, 2, st.Reclaimed)
	require.False(t, f.e.IsLive(a))
	require.False(t, f.e.IsLive(b))
	require.True(t, f.e.IsLive(survivor))
	require.Equal(t, uint16(1), f.e.RefCount(survivor))
}
