// Package verify provides validation functions for the memory subsystem.
//
// # Overview
//
// The checks walk the arena-resident structures and compare them against the
// bookkeeping of the Go-side components. They are used in tests after every
// workload and by kmemctl's stress command.
//
// Validation categories:
//   - Page table: reserved prefix, lease tags, free page count
//   - Small heap: persisted size map, page ownership, slot headers
//   - Large heap: used markers, run lengths against header sizes
//   - Handles: targets alive, strong targets referenced, pin bits
//   - Native leases: Unmanaged runs, pinned untyped slots, page accounting
//   - Refcounts: no dangling references, refcount >= incoming references
//
// # Quick Start
//
//	st := verify.State{Pages: pa, Small: small, Large: lh, Engine: engine}
//	if err := verify.AllInvariants(st); err != nil {
//	    fmt.Printf("Validation failed: %v\n", err)
//	}
//
// # ValidationError
//
// All validation functions return *ValidationError on failure:
//
//	type ValidationError struct {
//	    Type    string         // Error category (e.g., "SmallHeap")
//	    Message string         // Human-readable description
//	    Addr    mem.Addr       // Address where the error occurred (Null if N/A)
//	    Details map[string]any // Additional context
//	}
//
// # Refcount Validation
//
// RefCounts counts, for every live object, the references held by other live
// objects, by root slots, and by Normal, Pinned and Dependent handles. A
// refcount may exceed that number: callers hold references the arena cannot
// see. It may never be lower. Objects at refcount zero are awaiting the
// collector and their outgoing references are not counted.
//
// # Limitations
//
// The verify package does NOT check:
//   - Reachability (unreachable cycles are valid until CollectCycles runs)
//   - Contents of untyped (raw) objects
//   - Handle table free list integrity beyond live entries
package verify
