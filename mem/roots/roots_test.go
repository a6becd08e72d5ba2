package roots

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/kernmem/internal/format"
	"github.com/joshuapare/kernmem/internal/testutil"
	"github.com/joshuapare/kernmem/mem"
	"github.com/joshuapare/kernmem/mem/page"
)

func newTable(t *testing.T, maxSlots int) (*Table, *page.Allocator) {
	t.Helper()
	pa, err := page.New(testutil.NewArena(t, 16), page.Options{})
	require.NoError(t, err)
	return New(pa, maxSlots), pa
}

func Test_Roots_NewIsNullAndUnmanaged(t *testing.T) {
	tb, pa := newTable(t, 16)
	slot, err := tb.New()
	require.NoError(t, err)
	require.Equal(t, page.Unmanaged, pa.KindOf(slot))
	require.Zero(t, pa.Arena().U64(slot))
	require.True(t, tb.IsSlot(slot))
	require.Equal(t, 1, tb.Len())
	require.Equal(t, format.RootSlotsPerPage, tb.Cap())
}

func Test_Roots_FreeListReuse(t *testing.T) {
	tb, pa := newTable(t, 16)
	a := pa.Arena()

	s1, err := tb.New()
	require.NoError(t, err)
	s2, err := tb.New()
	require.NoError(t, err)
	s3, err := tb.New()
	require.NoError(t, err)

	require.NoError(t, tb.Free(s1))
	require.NoError(t, tb.Free(s3))
	require.False(t, tb.IsSlot(s1))

	// LIFO reuse, and reused slots come back null.
	got, err := tb.New()
	require.NoError(t, err)
	require.Equal(t, s3, got)
	require.Zero(t, a.U64(got))

	got, err = tb.New()
	require.NoError(t, err)
	require.Equal(t, s1, got)

	got, err = tb.New()
	require.NoError(t, err)
	require.Equal(t, s2.Add(2*format.RootSlotSize), got)
}

func Test_Roots_FreeRejectsBadSlots(t *testing.T) {
	tb, _ := newTable(t, 16)
	s, err := tb.New()
	require.NoError(t, err)

	require.ErrorIs(t, tb.Free(s.Add(4)), ErrBadSlot)
	require.ErrorIs(t, tb.Free(s.Add(8)), ErrBadSlot, "never handed out")
	require.NoError(t, tb.Free(s))
	require.ErrorIs(t, tb.Free(s), ErrBadSlot, "double free")
}

func Test_Roots_GrowsByPageUpToLimit(t *testing.T) {
	tb, _ := newTable(t, format.RootSlotsPerPage+1)
	for range 2 * format.RootSlotsPerPage {
		_, err := tb.New()
		require.NoError(t, err)
	}
	require.Equal(t, 2, tb.Pages())
	_, err := tb.New()
	require.ErrorIs(t, err, ErrFull)
}

func Test_Roots_ForEachSkipsFreeSlots(t *testing.T) {
	tb, pa := newTable(t, 16)
	var slots []mem.Addr
	for range 4 {
		s, err := tb.New()
		require.NoError(t, err)
		slots = append(slots, s)
	}
	pa.Arena().PutRef(slots[2], 0x1000)
	require.NoError(t, tb.Free(slots[1]))

	got := map[mem.Addr]mem.Addr{}
	tb.ForEach(func(slot, val mem.Addr) bool {
		got[slot] = val
		return true
	})
	require.Equal(t, map[mem.Addr]mem.Addr{slots[0]: 0, slots[2]: 0x1000, slots[3]: 0}, got)
}
