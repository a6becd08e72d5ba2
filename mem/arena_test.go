package mem

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/kernmem/internal/format"
)

func newTestArena(t *testing.T, pages int) *Arena {
	t.Helper()
	a, err := NewArena(DefaultBase, pages*format.PageSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func Test_Arena_RejectsUnalignedConfig(t *testing.T) {
	_, err := NewArena(Null, format.PageSize)
	require.ErrorIs(t, err, ErrArenaSize)

	_, err = NewArena(DefaultBase+1, format.PageSize)
	require.ErrorIs(t, err, ErrArenaSize)

	_, err = NewArena(DefaultBase, format.PageSize+1)
	require.ErrorIs(t, err, ErrArenaSize)
}

func Test_Arena_StartsZeroed(t *testing.T) {
	a := newTestArena(t, 4)
	for i, b := range a.Bytes() {
		if b != 0 {
			t.Fatalf("byte %d = %d, want 0", i, b)
		}
	}
	require.Equal(t, 4, a.Pages())
	require.Equal(t, DefaultBase.Add(4*format.PageSize), a.End())
}

func Test_Arena_AccessorsRoundTrip(t *testing.T) {
	a := newTestArena(t, 2)
	p := a.Base().Add(100)

	a.PutU8(p, 0xAB)
	require.Equal(t, uint8(0xAB), a.U8(p))

	a.PutU16(p, 0x1234)
	require.Equal(t, uint16(0x1234), a.U16(p))

	a.PutU32(p, 0xDEADBEEF)
	require.Equal(t, uint32(0xDEADBEEF), a.U32(p))

	a.PutRef(p, a.Base().Add(0x2000))
	require.Equal(t, a.Base().Add(0x2000), a.Ref(p))

	a.Zero(p, 8)
	require.Zero(t, a.U64(p))
	require.Equal(t, 100, a.Offset(p))
	require.Equal(t, p, a.AddrOf(100))
}

func Test_Arena_CheckAndContains(t *testing.T) {
	a := newTestArena(t, 1)
	require.True(t, a.Contains(a.Base(), format.PageSize))
	require.False(t, a.Contains(a.Base(), format.PageSize+1))
	require.False(t, a.Contains(a.Base()-1, 1))

	err := a.Check(a.End(), 1)
	require.ErrorIs(t, err, ErrBadAddr)
	require.NoError(t, a.Check(a.Base().Add(8), 8))
}

func Test_Arena_OutOfBoundsAccessIsFatal(t *testing.T) {
	a := newTestArena(t, 1)
	defer func() {
		r := recover()
		fe, ok := r.(*FatalError)
		require.True(t, ok, "expected *FatalError, got %T", r)
		require.True(t, errors.Is(fe, ErrCorruptMetadata))
		require.Equal(t, a.End(), fe.Addr)
	}()
	_ = a.U64(a.End())
}

func Test_Arena_DiscardKeepsPagesUsable(t *testing.T) {
	a := newTestArena(t, 2)
	page := a.Base().Add(format.PageSize)
	a.PutU64(page, 42)

	a.Discard(page, format.PageSize)
	a.Zero(page, format.PageSize)
	require.Zero(t, a.U64(page))

	a.PutU64(page, 7)
	require.Equal(t, uint64(7), a.U64(page))
}

func Test_Addr_PageMath(t *testing.T) {
	p := DefaultBase.Add(format.PageSize + 24)
	require.Equal(t, DefaultBase.Add(format.PageSize), p.PageBase())
	require.Equal(t, 24, p.PageOffset())
	require.Equal(t, DefaultBase.Add(format.PageSize), p.Sub(24))
	require.True(t, Null.IsNull())
}
