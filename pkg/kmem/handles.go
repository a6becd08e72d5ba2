package kmem

import (
	"github.com/joshuapare/kernmem/mem"
	"github.com/joshuapare/kernmem/mem/handle"
)

// Handle is a handle table entry reference (re-exported for convenience).
type Handle = handle.Handle

// HandleKind is the flavour of a handle (re-exported for convenience).
type HandleKind = handle.Kind

// Handle kinds.
const (
	Weak      = handle.Weak
	Normal    = handle.Normal
	Pinned    = handle.Pinned
	Dependent = handle.Dependent
)

// HandleAlloc issues a Weak, Normal or Pinned handle to target.
func (m *Manager) HandleAlloc(target mem.Addr, kind HandleKind) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return 0, err
	}
	if err := m.checkValue(target); err != nil {
		return 0, err
	}
	return m.handles.Alloc(target, kind)
}

// HandleAllocDependent issues a handle that keeps secondary alive for as
// long as primary lives, without keeping primary alive.
func (m *Manager) HandleAllocDependent(primary, secondary mem.Addr) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return 0, err
	}
	if err := m.checkValue(primary); err != nil {
		return 0, err
	}
	if err := m.checkValue(secondary); err != nil {
		return 0, err
	}
	return m.handles.AllocDependent(primary, secondary)
}

// HandleFree releases h and the references it held.
func (m *Manager) HandleFree(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return err
	}
	return m.handles.Free(h)
}

// HandleGet returns h's target; Null for a weak handle whose target is gone.
func (m *Manager) HandleGet(h Handle) (mem.Addr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return mem.Null, err
	}
	return m.handles.Get(h)
}

// HandleGetDependent returns both halves of a dependent handle.
func (m *Manager) HandleGetDependent(h Handle) (primary, secondary mem.Addr, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return mem.Null, mem.Null, err
	}
	return m.handles.GetDependent(h)
}

// HandleSetTarget retargets a Weak, Normal or Pinned handle.
func (m *Manager) HandleSetTarget(h Handle, target mem.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return err
	}
	if err := m.checkValue(target); err != nil {
		return err
	}
	return m.handles.SetTarget(h, target)
}

// HandleKindOf returns the kind of h.
func (m *Manager) HandleKindOf(h Handle) (HandleKind, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return 0, err
	}
	return m.handles.Kind(h)
}
