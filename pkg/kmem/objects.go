package kmem

import (
	"fmt"

	"github.com/joshuapare/kernmem/internal/format"
	"github.com/joshuapare/kernmem/mem"
	"github.com/joshuapare/kernmem/mem/typedesc"
)

// FieldAddr returns the address of the field at body offset off, for use
// with AssignRef and Load. Offset 0 is the type word and is rejected.
func (m *Manager) FieldAddr(obj mem.Addr, off int) (mem.Addr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return mem.Null, err
	}
	if err := m.checkLive(obj); err != nil {
		return mem.Null, err
	}
	if size := m.engine.SizeOf(obj); off < format.ObjectHeaderSize || off >= size {
		return mem.Null, fmt.Errorf("%w: offset %d in a %d byte object", ErrBadOffset, off, size)
	}
	return obj.Add(off), nil
}

// ElementAddr returns the address of element i of an array.
func (m *Manager) ElementAddr(arr mem.Addr, i int) (mem.Addr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return mem.Null, err
	}
	d, n, err := m.array(arr)
	if err != nil {
		return mem.Null, err
	}
	if i < 0 || i >= n {
		return mem.Null, fmt.Errorf("%w: %d of %d", ErrIndexRange, i, n)
	}
	return arr.Add(format.ArrayHeaderSize + i*d.ElemSize), nil
}

// Len returns the element count of an array.
func (m *Manager) Len(arr mem.Addr) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return 0, err
	}
	_, n, err := m.array(arr)
	return n, err
}

func (m *Manager) array(arr mem.Addr) (*typedesc.Desc, int, error) {
	if err := m.checkLive(arr); err != nil {
		return nil, 0, err
	}
	d := m.engine.TypeOf(arr)
	if d == nil || !d.IsArray() {
		return nil, 0, fmt.Errorf("%w: 0x%X", ErrNotArray, uint64(arr))
	}
	return d, int(m.arena.U32(arr.Add(format.ArrayLengthOffset))), nil
}

// TypeOf returns obj's descriptor; nil for untyped objects.
func (m *Manager) TypeOf(obj mem.Addr) (*typedesc.Desc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return nil, err
	}
	if err := m.checkLive(obj); err != nil {
		return nil, err
	}
	return m.engine.TypeOf(obj), nil
}

// SizeOf returns the body size recorded for obj: the class size for small
// objects, the requested size for medium and large ones.
func (m *Manager) SizeOf(obj mem.Addr) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return 0, err
	}
	if err := m.checkLive(obj); err != nil {
		return 0, err
	}
	return m.engine.SizeOf(obj), nil
}

// Bytes returns the payload of obj, aliasing arena memory: the whole body of
// an untyped object, the body after the type word otherwise. The slice is
// valid until obj is freed. Reference fields must only be written through
// AssignRef or Adopt.
func (m *Manager) Bytes(obj mem.Addr) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return nil, err
	}
	if err := m.checkLive(obj); err != nil {
		return nil, err
	}
	size := m.engine.SizeOf(obj)
	if m.engine.IsRaw(obj) {
		return m.arena.Slice(obj, size), nil
	}
	n := max(0, size-format.ObjectHeaderSize)
	return m.arena.Slice(obj.Add(format.ObjectHeaderSize), n), nil
}
