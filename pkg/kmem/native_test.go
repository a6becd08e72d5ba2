package kmem

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/kernmem/internal/format"
	"github.com/joshuapare/kernmem/mem"
	"github.com/joshuapare/kernmem/mem/native"
	"github.com/joshuapare/kernmem/mem/page"
	"github.com/joshuapare/kernmem/mem/typedesc"
)

func nativeBytes(t *testing.T, m *Manager, addr mem.Addr) []byte {
	t.Helper()
	b, err := m.NativeBytes(addr)
	require.NoError(t, err)
	return b
}

func Test_Manager_Native_AllocReallocFree(t *testing.T) {
	m := newManager(t, 128)
	free := m.Stats().Pages.FreePages

	addr, err := m.NativeAlloc(100)
	require.NoError(t, err)
	b := nativeBytes(t, m, addr)
	require.Len(t, b, 100)
	copy(b, "ACPI namespace node")
	require.NoError(t, m.Verify())

	// Growing past the slot moves the lease onto Unmanaged pages.
	moved, err := m.NativeRealloc(addr, 100, 3*format.PageSize)
	require.NoError(t, err)
	require.NotEqual(t, addr, moved)
	kinds := m.PageMap()
	idx := m.pages.PageIndex(moved)
	for i := idx; i < idx+3; i++ {
		require.Equal(t, page.Unmanaged, kinds[i], "page %d", i)
	}
	b = nativeBytes(t, m, moved)
	require.Len(t, b, 3*format.PageSize)
	require.Equal(t, "ACPI namespace node", string(b[:19]))
	require.Zero(t, b[100])
	require.NoError(t, m.Verify())

	// Shrinking stays in place.
	same, err := m.NativeRealloc(moved, 0, 64)
	require.NoError(t, err)
	require.Equal(t, moved, same)

	require.NoError(t, m.NativeFree(moved))
	st := m.Stats()
	require.Zero(t, st.Native.LiveLeases)
	require.Zero(t, st.Native.LivePages)
	require.Equal(t, 1, st.Native.Moves)
	require.Equal(t, free-st.Small.LivePages, st.Pages.FreePages, "the lease's pages went back")
	require.NoError(t, m.Verify())
}

func Test_Manager_Native_LeasesAreNotObjects(t *testing.T) {
	m := newManager(t, 64)
	node := register(t, m, typedesc.NewObject("Node", 16, 8))
	obj := mustNew(t, m, node)
	field, err := m.FieldAddr(obj, 8)
	require.NoError(t, err)

	small, err := m.NativeAlloc(32)
	require.NoError(t, err)
	big, err := m.NativeAlloc(2 * format.PageSize)
	require.NoError(t, err)

	for _, lease := range []mem.Addr{small, big} {
		require.False(t, m.IsLive(lease))
		require.ErrorIs(t, m.DecRef(lease), mem.ErrBadAddr)
		require.ErrorIs(t, m.IncRef(lease), mem.ErrBadAddr)
		require.ErrorIs(t, m.AssignRef(field, lease), mem.ErrBadAddr)
		_, err := m.HandleAlloc(lease, Normal)
		require.ErrorIs(t, err, mem.ErrBadAddr)
		_, err = m.Bytes(lease)
		require.ErrorIs(t, err, mem.ErrBadAddr)
	}
	require.Equal(t, 1, m.Stats().LiveObjects())
	require.NoError(t, m.Verify())
}

func Test_Manager_Native_SurvivesCollection(t *testing.T) {
	m := newManager(t, 64)
	addr, err := m.NativeAlloc(48)
	require.NoError(t, err)
	copy(nativeBytes(t, m, addr), "keep")

	m.Collect()
	m.CollectCycles()
	require.Equal(t, 0, m.PruneSizeMapTable())

	require.Equal(t, "keep", string(nativeBytes(t, m, addr)[:4]))
	require.NoError(t, m.Verify())
	require.NoError(t, m.NativeFree(addr))
	require.Equal(t, 1, m.PruneSizeMapTable(), "the slot's page empties once the lease is freed")
}

func Test_Manager_Native_Errors(t *testing.T) {
	m := newManager(t, 64)

	_, err := m.NativeAlloc(0)
	require.ErrorIs(t, err, ErrBadSize)
	_, err = m.NativeAlloc(m.cfg.ArenaPages * format.PageSize)
	require.ErrorIs(t, err, page.ErrOutOfMemory)

	require.NoError(t, m.NativeFree(mem.Null))

	obj, err := m.Allocate(64)
	require.NoError(t, err)
	require.ErrorIs(t, m.NativeFree(obj), native.ErrNotLeased)
	require.True(t, m.IsLive(obj), "a managed object is not a lease")

	_, err = m.NativeRealloc(obj, 64, 128)
	require.ErrorIs(t, err, mem.ErrBadAddr)
	_, err = m.NativeRealloc(mem.Null, 0, 0)
	require.ErrorIs(t, err, ErrBadSize)

	addr, err := m.NativeRealloc(mem.Null, 0, 16)
	require.NoError(t, err)
	gone, err := m.NativeRealloc(addr, 16, 0)
	require.NoError(t, err)
	require.Equal(t, mem.Null, gone)
	_, err = m.NativeBytes(addr)
	require.ErrorIs(t, err, native.ErrNotLeased)

	require.NoError(t, m.Close())
	_, err = m.NativeAlloc(8)
	require.ErrorIs(t, err, ErrClosed)
}
