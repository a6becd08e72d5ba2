package kmem

import (
	"errors"
	"fmt"

	"github.com/joshuapare/kernmem/internal/logger"
	"github.com/joshuapare/kernmem/mem"
	"github.com/joshuapare/kernmem/mem/native"
	"github.com/joshuapare/kernmem/mem/page"
)

// nativeSlots backs small native leases with untyped SMT slots. A leased
// slot stays at refcount 1 until NativeFree drops it, so the collector never
// reclaims it and the cycle pass always sees it as externally held.
type nativeSlots struct{ m *Manager }

func (s nativeSlots) AllocSlot(size int) (mem.Addr, int, error) {
	obj, err := s.m.small.Allocate(size)
	if err != nil {
		return mem.Null, 0, err
	}
	s.m.engine.MarkRaw(obj)
	return obj, s.m.small.SizeOf(obj), nil
}

func (s nativeSlots) FreeSlot(addr mem.Addr) { s.m.engine.DecRef(addr) }

// NativeAlloc leases size zeroed bytes for code outside the managed heap.
// The memory has no refcount and no type word; only NativeFree releases it.
func (m *Manager) NativeAlloc(size int) (mem.Addr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return mem.Null, err
	}
	if size <= 0 {
		return mem.Null, fmt.Errorf("%w: %d", ErrBadSize, size)
	}
	addr, err := m.retryOnOOM(size, func() (mem.Addr, error) { return m.native.Alloc(size) })
	if err != nil {
		logger.Warn("native allocation failed", "size", size, "free_pages", m.pages.FreePages(), "err", err)
		return mem.Null, fmt.Errorf("kmem: native alloc %d: %w", size, err)
	}
	return addr, nil
}

// NativeFree releases a lease returned by NativeAlloc or NativeRealloc.
// Null is ignored.
func (m *Manager) NativeFree(addr mem.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return err
	}
	if addr == mem.Null {
		return nil
	}
	if !m.native.Free(addr) {
		logger.Warn("native free of an unleased address", "addr", fmt.Sprintf("0x%X", uint64(addr)))
		return fmt.Errorf("%w: %w: 0x%X", mem.ErrBadAddr, native.ErrNotLeased, uint64(addr))
	}
	return nil
}

// NativeRealloc resizes a lease to newSize bytes, moving it when it cannot
// grow in place. A move copies the first min(oldSize, newSize) bytes; pass
// oldSize 0 when the caller does not track it. NativeRealloc of Null is
// NativeAlloc, and a newSize of 0 frees the lease and returns Null.
func (m *Manager) NativeRealloc(addr mem.Addr, oldSize, newSize int) (mem.Addr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return mem.Null, err
	}
	if newSize < 0 || (addr == mem.Null && newSize == 0) {
		return mem.Null, fmt.Errorf("%w: %d", ErrBadSize, newSize)
	}
	if addr != mem.Null && !m.native.Owns(addr) {
		return mem.Null, fmt.Errorf("%w: %w: 0x%X", mem.ErrBadAddr, native.ErrNotLeased, uint64(addr))
	}
	out, err := m.retryOnOOM(newSize, func() (mem.Addr, error) { return m.native.Realloc(addr, oldSize, newSize) })
	if err != nil {
		logger.Warn("native realloc failed", "size", newSize, "free_pages", m.pages.FreePages(), "err", err)
		return mem.Null, fmt.Errorf("kmem: native realloc %d: %w", newSize, err)
	}
	return out, nil
}

// retryOnOOM runs fn and, when it runs out of pages and CollectOnOOM is set,
// collects once and runs it again.
func (m *Manager) retryOnOOM(size int, fn func() (mem.Addr, error)) (mem.Addr, error) {
	addr, err := fn()
	if errors.Is(err, page.ErrOutOfMemory) && m.cfg.CollectOnOOM {
		st := m.gc.Collect()
		logger.Debug("collect on out of memory", "size", size, "reclaimed", st.Reclaimed+st.Cascaded, "pruned", st.PagesPruned)
		addr, err = fn()
	}
	return addr, err
}

// NativeBytes returns the requested bytes of a lease, aliasing arena memory.
// The slice is valid until the lease is freed or moved.
func (m *Manager) NativeBytes(addr mem.Addr) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return nil, err
	}
	l, ok := m.native.Lookup(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %w: 0x%X", mem.ErrBadAddr, native.ErrNotLeased, uint64(addr))
	}
	return m.arena.Slice(addr, l.Size), nil
}
