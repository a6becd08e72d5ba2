/*
Package kmem is the memory manager: a page-granular arena, a small-object
heap, a medium/large-object heap, reference counting with cascading frees, a
collector and a handle table, behind one mutex.

# Quick Start

	m, err := kmem.New(kmem.DefaultConfig())
	if err != nil {
	    log.Fatal(err)
	}
	defer m.Close()

	node := typedesc.NewObject("Node", 16, 8) // type word + one reference
	if _, err := m.RegisterType(node); err != nil {
	    log.Fatal(err)
	}

	root, _ := m.NewRoot()
	a, _ := m.New(node)
	_ = m.Adopt(root, a) // the root takes over the allocation reference

	b, _ := m.New(node)
	next, _ := m.FieldAddr(a, 8)
	_ = m.AssignRef(next, b) // b: 2
	_ = m.DecRef(b)          // b: 1, held by a

	_ = m.FreeRoot(root) // frees a, then b

# Ownership

Every allocation returns an object with refcount 1 owned by the caller.
AssignRef takes a new reference for the stored value and drops the one held
by the previous value; Adopt hands the caller's reference to the location
instead. DecRef frees an object the moment its count reaches zero, after
releasing every reference it holds. DecRefDeferred leaves the object for
Collect.

# Object Layout

Every body starts with an 8-byte type word naming a registered
typedesc.Desc; arrays follow it with a 4-byte length and 4 bytes of padding.
Untyped objects from Allocate have no type word: all size bytes are payload,
reachable through Bytes, and they hold no references. Reference stores only
accept root slots and the reference fields and elements of typed objects.

# Native Leases

NativeAlloc, NativeRealloc and NativeFree hand raw memory to code that
expects malloc semantics, such as an ACPI interpreter. Leases have no
refcount and the collector never frees them. Small leases sit in untyped
small-heap slots; larger ones own a run of Unmanaged pages.

# Cycles

Reference counting never frees a cycle. CollectCycles runs a trial-deletion
pass that does; Collect does not.

# Errors

Caller mistakes (addresses that are not objects, stale handles, unknown
types, out of memory) are returned as errors wrapping the component
sentinels, so errors.Is works end to end:

	if errors.Is(err, page.ErrOutOfMemory) { ... }

Corrupted metadata, refcount underflow or overflow and use-after-free panic
with a *mem.FatalError.
*/
package kmem
