package kmem

import (
	"fmt"
	"sync"

	"github.com/joshuapare/kernmem/internal/format"
	"github.com/joshuapare/kernmem/internal/logger"
	"github.com/joshuapare/kernmem/mem"
	"github.com/joshuapare/kernmem/mem/gc"
	"github.com/joshuapare/kernmem/mem/handle"
	"github.com/joshuapare/kernmem/mem/large"
	"github.com/joshuapare/kernmem/mem/native"
	"github.com/joshuapare/kernmem/mem/page"
	"github.com/joshuapare/kernmem/mem/rc"
	"github.com/joshuapare/kernmem/mem/roots"
	"github.com/joshuapare/kernmem/mem/smt"
	"github.com/joshuapare/kernmem/mem/typedesc"
	"github.com/joshuapare/kernmem/mem/verify"
)

// Manager owns an arena and every component built on it. All methods are
// safe for concurrent use; they serialize on one mutex.
type Manager struct {
	mu     sync.Mutex
	closed bool
	cfg    Config

	arena   *mem.Arena
	pages   *page.Allocator
	small   *smt.Heap
	large   *large.Heap
	types   *typedesc.Registry
	engine  *rc.Engine
	roots   *roots.Table
	handles *handle.Table
	native  *native.Heap
	gc      *gc.Collector
}

// New reserves the arena and builds the page allocator, both heaps, the
// refcount engine, the root and handle tables, the native lease heap and the
// collector.
func New(cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()
	sc, err := cfg.sizeClassConfig()
	if err != nil {
		return nil, err
	}

	arena, err := mem.NewArena(mem.Addr(cfg.Base), cfg.ArenaPages*format.PageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadConfig, err)
	}
	m := &Manager{cfg: cfg, arena: arena, types: typedesc.NewRegistry()}
	if err := m.build(sc); err != nil {
		_ = arena.Close()
		return nil, err
	}

	logger.Info("memory manager started",
		"base", fmt.Sprintf("0x%X", cfg.Base),
		"pages", cfg.ArenaPages,
		"usable", m.pages.FreePages(),
		"size_classes", sc.Name,
		"handles", cfg.HandleCapacity)
	return m, nil
}

func (m *Manager) build(sc smt.SizeClassConfig) error {
	var err error
	if m.pages, err = page.New(m.arena, page.Options{ReservedPages: m.cfg.ReservedPages}); err != nil {
		return fmt.Errorf("%w: %w", ErrBadConfig, err)
	}
	if m.small, err = smt.New(m.pages, sc); err != nil {
		return fmt.Errorf("%w: %w", ErrBadConfig, err)
	}
	m.large = large.New(m.pages)
	m.engine = rc.New(m.pages, m.small, m.large, m.types)
	if m.handles, err = handle.New(m.pages, m.engine, m.large, m.cfg.HandleCapacity); err != nil {
		return fmt.Errorf("%w: %w", ErrBadConfig, err)
	}
	m.roots = roots.New(m.pages, m.cfg.MaxRoots)
	m.native = native.New(m.pages, nativeSlots{m})
	m.gc = gc.New(m.engine, m.small, m.large)
	return nil
}

// Close releases the arena. Every address handed out becomes invalid.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	logger.Info("memory manager closed",
		"live_small", m.small.Stats().LiveObjects,
		"live_large", m.large.Stats().LiveObjects,
		"native_leases", m.native.Stats().LiveLeases)
	return m.arena.Close()
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

func (m *Manager) usable() error {
	if m.closed {
		return ErrClosed
	}
	return nil
}

// RegisterType registers a descriptor so New and AllocateArray accept it.
func (m *Manager) RegisterType(d *typedesc.Desc) (typedesc.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.types.Register(d)
}

// Type returns a registered descriptor by name.
func (m *Manager) Type(name string) (*typedesc.Desc, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.types.ByName(name)
}

// Allocate returns a zeroed, untyped object of size bytes with refcount 1,
// owned by the caller. Sizes up to format.MaxSmallSize come from the SMT,
// larger ones from the medium/large heap. Untyped objects hold no references;
// all size bytes are payload and Bytes exposes them.
func (m *Manager) Allocate(size int) (mem.Addr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return mem.Null, err
	}
	obj, err := m.allocate(size)
	if err != nil {
		return mem.Null, err
	}
	m.engine.MarkRaw(obj)
	return obj, nil
}

func (m *Manager) allocate(size int) (mem.Addr, error) {
	if size <= 0 {
		return mem.Null, fmt.Errorf("%w: %d", ErrBadSize, size)
	}
	obj, err := m.retryOnOOM(size, func() (mem.Addr, error) { return m.allocateOnce(size) })
	if err != nil {
		logger.Warn("allocation failed", "size", size, "free_pages", m.pages.FreePages(), "err", err)
		return mem.Null, fmt.Errorf("kmem: allocate %d: %w", size, err)
	}
	return obj, nil
}

func (m *Manager) allocateOnce(size int) (mem.Addr, error) {
	if size <= format.MaxSmallSize {
		return m.small.Allocate(size)
	}
	return m.large.Allocate(size)
}

// registered resolves d against the registry.
func (m *Manager) registered(d *typedesc.Desc) error {
	if d == nil {
		return fmt.Errorf("%w: nil descriptor", typedesc.ErrUnknownType)
	}
	got, err := m.types.Lookup(d.ID())
	if err != nil || got != d {
		return fmt.Errorf("%w: %s is not registered", typedesc.ErrUnknownType, d.Name)
	}
	return nil
}

// New allocates an instance of a non-array type and stamps its type word.
func (m *Manager) New(d *typedesc.Desc) (mem.Addr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return mem.Null, err
	}
	if err := m.registered(d); err != nil {
		return mem.Null, err
	}
	if d.IsArray() {
		return mem.Null, fmt.Errorf("%w: %s is an array type; use AllocateArray", typedesc.ErrBadLayout, d.Name)
	}
	obj, err := m.allocate(d.BaseSize)
	if err != nil {
		return mem.Null, err
	}
	m.arena.PutU64(obj.Add(format.TypeWordOffset), uint64(d.ID()))
	return obj, nil
}

// AllocateArray allocates an array of length elements of type d.
func (m *Manager) AllocateArray(d *typedesc.Desc, length int) (mem.Addr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return mem.Null, err
	}
	if err := m.registered(d); err != nil {
		return mem.Null, err
	}
	if !d.IsArray() {
		return mem.Null, fmt.Errorf("%w: %s", ErrNotArray, d.Name)
	}
	size, err := d.Size(length)
	if err != nil {
		return mem.Null, err
	}
	obj, err := m.allocate(size)
	if err != nil {
		return mem.Null, err
	}
	m.arena.PutU64(obj.Add(format.TypeWordOffset), uint64(d.ID()))
	m.arena.PutU32(obj.Add(format.ArrayLengthOffset), uint32(length))
	return obj, nil
}

// checkLive returns an error unless obj is an allocated object. Native
// leases are not objects.
func (m *Manager) checkLive(obj mem.Addr) error {
	if !m.engine.IsLive(obj) || m.native.Owns(obj) {
		return fmt.Errorf("%w: 0x%X is not an object", mem.ErrBadAddr, uint64(obj))
	}
	return nil
}

// checkValue returns an error unless val is Null or a live object that may
// be stored in a reference.
func (m *Manager) checkValue(val mem.Addr) error {
	if m.native.Owns(val) {
		return fmt.Errorf("%w: 0x%X is a native lease", mem.ErrBadAddr, uint64(val))
	}
	return m.engine.Check(val)
}

// checkLoc returns an error unless loc is a live root slot or a reference
// field or element of a live object.
func (m *Manager) checkLoc(loc mem.Addr) error {
	if loc == mem.Null {
		return fmt.Errorf("%w: null location", mem.ErrBadAddr)
	}
	if m.roots.IsSlot(loc) {
		return nil
	}
	if _, ok := m.engine.RefOwner(loc); !ok {
		return fmt.Errorf("%w: 0x%X is not a root slot or reference field", mem.ErrBadAddr, uint64(loc))
	}
	return nil
}

// AssignRef stores val at loc, a field, array element or root slot. The
// store takes a reference to val and drops the one held by the old value,
// which may free it.
func (m *Manager) AssignRef(loc, val mem.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return err
	}
	if err := m.checkLoc(loc); err != nil {
		return err
	}
	if err := m.checkValue(val); err != nil {
		return err
	}
	m.engine.AssignRef(loc, val)
	return nil
}

// Adopt stores val at loc and hands the caller's reference to the location
// instead of taking a new one.
func (m *Manager) Adopt(loc, val mem.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return err
	}
	if err := m.checkLoc(loc); err != nil {
		return err
	}
	if err := m.checkValue(val); err != nil {
		return err
	}
	m.engine.Adopt(loc, val)
	return nil
}

// Load returns the reference stored at loc.
func (m *Manager) Load(loc mem.Addr) (mem.Addr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return mem.Null, err
	}
	if err := m.checkLoc(loc); err != nil {
		return mem.Null, err
	}
	return m.engine.Load(loc), nil
}

// IncRef adds a reference held outside the arena.
func (m *Manager) IncRef(obj mem.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return err
	}
	if err := m.checkLive(obj); err != nil {
		return err
	}
	m.engine.IncRef(obj)
	return nil
}

// DecRef drops a reference held outside the arena, freeing obj and its
// exclusively held children when it was the last one.
func (m *Manager) DecRef(obj mem.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return err
	}
	if err := m.checkLive(obj); err != nil {
		return err
	}
	m.engine.DecRef(obj)
	return nil
}

// DecRefDeferred drops a reference without freeing; the collector reclaims
// obj if the count reached zero.
func (m *Manager) DecRefDeferred(obj mem.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return err
	}
	if err := m.checkLive(obj); err != nil {
		return err
	}
	m.engine.DecRefDeferred(obj)
	return nil
}

// RefCount returns obj's refcount.
func (m *Manager) RefCount(obj mem.Addr) (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return 0, err
	}
	if err := m.checkLive(obj); err != nil {
		return 0, err
	}
	return m.engine.RefCount(obj), nil
}

// IsLive reports whether obj is an allocated object.
func (m *Manager) IsLive(obj mem.Addr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && m.engine.IsLive(obj) && !m.native.Owns(obj)
}

// NewRoot returns a root slot holding null.
func (m *Manager) NewRoot() (mem.Addr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return mem.Null, err
	}
	return m.roots.New()
}

// FreeRoot drops the slot's reference and returns the slot.
func (m *Manager) FreeRoot(slot mem.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return err
	}
	if !m.roots.IsSlot(slot) {
		return fmt.Errorf("%w: 0x%X", roots.ErrBadSlot, uint64(slot))
	}
	m.engine.Adopt(slot, mem.Null)
	return m.roots.Free(slot)
}

// Collect reclaims objects left at refcount zero and prunes empty SMT pages.
func (m *Manager) Collect() gc.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return gc.Stats{}
	}
	st := m.gc.Collect()
	logger.Debug("collect", "scanned", st.Scanned, "reclaimed", st.Reclaimed, "cascaded", st.Cascaded, "pruned", st.PagesPruned)
	return st
}

// CollectCycles reclaims garbage cycles, which reference counting alone
// never frees.
func (m *Manager) CollectCycles() gc.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return gc.Stats{}
	}
	st := m.gc.CollectCycles()
	logger.Debug("collect cycles", "scanned", st.Scanned, "reclaimed", st.Reclaimed, "pruned", st.PagesPruned)
	return st
}

// PruneSizeMapTable returns empty SMT pages to the page allocator.
func (m *Manager) PruneSizeMapTable() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0
	}
	n := m.small.PruneSizeMapTable()
	if n > 0 {
		logger.Debug("pruned size map table", "pages", n)
	}
	return n
}

// Verify checks every structural and refcount invariant.
func (m *Manager) Verify() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return err
	}
	err := verify.AllInvariants(m.state())
	if err != nil {
		logger.Error("invariant violated", "err", err)
	}
	return err
}

func (m *Manager) state() verify.State {
	return verify.State{
		Pages:   m.pages,
		Small:   m.small,
		Large:   m.large,
		Engine:  m.engine,
		Roots:   m.roots,
		Handles: m.handles,
		Native:  m.native,
	}
}

// PageMap returns the page tag of every arena page.
func (m *Manager) PageMap() []page.Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	return m.pages.Map()
}
