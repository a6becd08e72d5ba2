// Package mem is the boundary between the memory manager and raw memory.
//
// # Overview
//
// An Arena stands in for the physical memory range that platform bring-up
// hands to the kernel. Everything above it addresses memory through Addr
// values (Base + offset) and the Arena's bounds-checked accessors, so all
// pointer arithmetic in the subsystem funnels through this package.
//
// The layers built on top of it live in sub-packages:
//
//   - page:     page allocator and page-kind table (RAT)
//   - smt:      size-classed small-object heap
//   - large:    header-based medium/large-object heap
//   - typedesc: type descriptors and their reference bitmaps
//   - rc:       reference-counting engine and cascading free
//   - roots:    root slots for statics and stack references
//   - handle:   strong/weak/pinned/dependent handle table
//   - gc:       zero-refcount sweep and cycle pass
//   - verify:   invariant checks used by tests and kmemctl
//
// # Fatal errors
//
// Corrupt metadata and refcount underflow are not returned as errors. They
// panic with a *FatalError, the software equivalent of halting the machine:
//
//	defer func() {
//	    if fe, ok := recover().(*mem.FatalError); ok {
//	        log.Printf("halt: %v", fe)
//	        os.Exit(2)
//	    }
//	}()
//
// # Thread Safety
//
// Nothing in mem or its sub-packages is thread-safe. pkg/kmem wraps the whole
// subsystem behind a single mutex.
package mem
