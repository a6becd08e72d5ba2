package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/kernmem/internal/format"
	"github.com/joshuapare/kernmem/internal/testutil"
	"github.com/joshuapare/kernmem/mem"
)

func newAllocator(t *testing.T, pages, reserved int) *Allocator {
	t.Helper()
	a := testutil.NewArena(t, pages)
	pa, err := New(a, Options{ReservedPages: reserved})
	require.NoError(t, err)
	return pa
}

func Test_Page_New_MarksReservedAndRAT(t *testing.T) {
	pa := newAllocator(t, 16, 2)

	// 16 pages need one RAT page, so pages 0..2 are Reserved.
	require.Equal(t, 3, pa.FirstUsable())
	for i := range 3 {
		require.Equal(t, Reserved, pa.KindAt(i), "page %d", i)
	}
	require.Equal(t, Empty, pa.KindAt(3))
	require.Equal(t, 13, pa.FreePages())

	st := pa.Stats()
	require.Equal(t, 16, st.TotalPages)
	require.Equal(t, 13, st.UsablePages)
	require.Equal(t, 3, st.ByKind[Reserved])
	require.Equal(t, 13, st.LargestRun)
}

func Test_Page_New_ArenaTooSmall(t *testing.T) {
	a := testutil.NewArena(t, 2)
	_, err := New(a, Options{ReservedPages: 1})
	require.ErrorIs(t, err, ErrArenaTooSmall)
}

func Test_Page_Acquire_TagsRunAndZeroes(t *testing.T) {
	pa := newAllocator(t, 16, 0)
	a := pa.Arena()

	// Dirty the page we expect to get so zeroing is observable.
	first := pa.PageAddr(pa.FirstUsable())
	a.PutU64(first, 0xFFFF)

	addr, err := pa.Acquire(3, LargeHeap)
	require.NoError(t, err)
	require.Equal(t, first, addr)
	require.Zero(t, a.U64(addr))

	idx := pa.PageIndex(addr)
	for i := idx; i < idx+3; i++ {
		require.Equal(t, LargeHeap, pa.KindAt(i), "page %d", i)
	}
	require.Equal(t, 3, pa.RunLength(idx))
	require.Zero(t, pa.RunLength(idx+1))
	require.Equal(t, idx, pa.RunStart(idx+2))
	require.Equal(t, -1, pa.RunStart(idx+3))
	require.Equal(t, 3, pa.Stats().ByKind[LargeHeap])
	require.Equal(t, LargeHeap, pa.KindOf(addr.Add(format.PageSize-1)))
}

func Test_Page_Acquire_FirstFitReusesReleasedRun(t *testing.T) {
	pa := newAllocator(t, 16, 0)

	a1, err := pa.Acquire(1, SmallHeap)
	require.NoError(t, err)
	a2, err := pa.Acquire(1, SmallHeap)
	require.NoError(t, err)
	_, err = pa.Acquire(1, SmallHeap)
	require.NoError(t, err)

	pa.Release(a1, 1)
	pa.Release(a2, 1)

	got, err := pa.Acquire(2, MediumHeap)
	require.NoError(t, err)
	require.Equal(t, a1, got, "first fit must reuse the lowest free run")
}

func Test_Page_Acquire_SkipsRunsThatAreTooShort(t *testing.T) {
	pa := newAllocator(t, 16, 0)

	var addrs []mem.Addr
	for range 4 {
		addr, err := pa.Acquire(1, Unmanaged)
		require.NoError(t, err)
		addrs = append(addrs, addr)
	}
	// Free a one-page hole.
	pa.Release(addrs[1], 1)

	got, err := pa.Acquire(2, Unmanaged)
	require.NoError(t, err)
	require.Equal(t, addrs[3].Add(format.PageSize), got)

	hole, err := pa.Acquire(1, Unmanaged)
	require.NoError(t, err)
	require.Equal(t, addrs[1], hole)
}

func Test_Page_Acquire_OutOfMemory(t *testing.T) {
	pa := newAllocator(t, 8, 0)
	usable := pa.Pages() - pa.FirstUsable()

	_, err := pa.Acquire(usable+1, LargeHeap)
	require.ErrorIs(t, err, ErrOutOfMemory)

	_, err = pa.Acquire(usable, LargeHeap)
	require.NoError(t, err)

	_, err = pa.Acquire(1, SmallHeap)
	require.ErrorIs(t, err, ErrOutOfMemory)
	require.Equal(t, 2, pa.Stats().Failures)
}

func Test_Page_Acquire_BadArguments(t *testing.T) {
	pa := newAllocator(t, 8, 0)

	_, err := pa.Acquire(0, SmallHeap)
	require.ErrorIs(t, err, ErrBadCount)

	_, err = pa.Acquire(1, Reserved)
	require.ErrorIs(t, err, ErrBadKind)

	_, err = pa.Acquire(1, Kind(7))
	require.ErrorIs(t, err, ErrBadKind)

	_, err = pa.Acquire(1, Empty)
	require.ErrorIs(t, err, ErrBadKind)
}

func Test_Page_ReleaseRun(t *testing.T) {
	pa := newAllocator(t, 16, 0)
	before := pa.FreePages()

	addr, err := pa.Acquire(4, LargeHeap)
	require.NoError(t, err)
	require.Equal(t, before-4, pa.FreePages())

	require.Equal(t, 4, pa.ReleaseRun(addr))
	require.Equal(t, before, pa.FreePages())
	for i := range 4 {
		require.Equal(t, Empty, pa.KindAt(pa.PageIndex(addr)+i))
	}
	require.Zero(t, pa.Runs())
}

func Test_Page_AdjacentRunsOfSameKind(t *testing.T) {
	pa := newAllocator(t, 16, 0)

	a1, err := pa.Acquire(2, Unmanaged)
	require.NoError(t, err)
	a2, err := pa.Acquire(3, Unmanaged)
	require.NoError(t, err)
	i1, i2 := pa.PageIndex(a1), pa.PageIndex(a2)
	require.Equal(t, i1+2, i2)

	require.Equal(t, i1, pa.RunStart(i1+1))
	require.Equal(t, i2, pa.RunStart(i2))
	require.Equal(t, i2, pa.RunStart(i2+2))

	require.Equal(t, 2, pa.ReleaseRun(a1))
	require.Equal(t, Unmanaged, pa.KindAt(i2))
	require.Equal(t, 3, pa.RunLength(i2))
	require.Equal(t, -1, pa.RunStart(i1))
}

func Test_Page_ReleaseRun_NotARunStartIsFatal(t *testing.T) {
	pa := newAllocator(t, 16, 0)
	addr, err := pa.Acquire(2, LargeHeap)
	require.NoError(t, err)
	testutil.RequireFatal(t, mem.ErrCorruptMetadata, func() {
		pa.ReleaseRun(addr.Add(format.PageSize))
	})
}

func Test_Page_Release_OutsideUsableRangeIsFatal(t *testing.T) {
	pa := newAllocator(t, 8, 1)
	testutil.RequireFatal(t, mem.ErrCorruptMetadata, func() {
		pa.Release(pa.PageAddr(0), 1)
	})
	testutil.RequireFatal(t, mem.ErrCorruptMetadata, func() {
		pa.Release(pa.PageAddr(pa.FirstUsable()).Add(8), 1)
	})
}

func Test_Page_ForEachAndMap(t *testing.T) {
	pa := newAllocator(t, 16, 0)
	s1, err := pa.Acquire(1, SmallHeap)
	require.NoError(t, err)
	_, err = pa.Acquire(1, MediumHeap)
	require.NoError(t, err)
	s2, err := pa.Acquire(1, SmallHeap)
	require.NoError(t, err)

	var seen []mem.Addr
	pa.ForEach(SmallHeap, func(_ int, addr mem.Addr) bool {
		seen = append(seen, addr)
		return true
	})
	assert.Equal(t, []mem.Addr{s1, s2}, seen)

	m := pa.Map()
	require.Len(t, m, 16)
	assert.Equal(t, MediumHeap, m[pa.PageIndex(s1)+1])
}

func Test_Page_Lookup(t *testing.T) {
	pa := newAllocator(t, 8, 0)
	_, ok := pa.Lookup(pa.Arena().End())
	require.False(t, ok)

	k, ok := pa.Lookup(pa.Arena().Base())
	require.True(t, ok)
	require.Equal(t, Reserved, k)
}

func Test_Kind_String(t *testing.T) {
	require.Equal(t, "SizeMapMeta", SizeMapMeta.String())
	require.Equal(t, "Kind(42)", Kind(42).String())
	require.Len(t, Kinds(), numKinds)
}
