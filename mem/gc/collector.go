// Package gc is the safety-net collector. Reference counting frees most
// objects the moment their last reference goes away; Collect reclaims the
// ones left at zero by deferred decrements, and CollectCycles reclaims
// garbage cycles that reference counting can never free.
//
// NOT thread-safe. Collection is synchronous and not re-entrant: a call made
// while a collection is running (for example from a free listener) returns
// an empty result.
package gc

import (
	"github.com/joshuapare/kernmem/mem"
	"github.com/joshuapare/kernmem/mem/large"
	"github.com/joshuapare/kernmem/mem/rc"
	"github.com/joshuapare/kernmem/mem/smt"
)

// Stats describes one collection.
type Stats struct {
	Scanned     int // objects examined
	Reclaimed   int // objects found dead by the sweep itself
	Cascaded    int // further objects freed because a reclaimed object held their last reference
	PagesPruned int // empty SMT pages returned to the page allocator
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Scanned += o.Scanned
	s.Reclaimed += o.Reclaimed
	s.Cascaded += o.Cascaded
	s.PagesPruned += o.PagesPruned
}

// Collector sweeps both heaps.
type Collector struct {
	engine *rc.Engine
	small  *smt.Heap
	large  *large.Heap

	running bool
	runs    int
	totals  Stats
}

// New returns a collector over the engine's heaps.
func New(engine *rc.Engine, small *smt.Heap, lh *large.Heap) *Collector {
	return &Collector{engine: engine, small: small, large: lh}
}

// forEachObject visits every allocated object of both heaps.
func (c *Collector) forEachObject(fn func(obj mem.Addr, refcount uint16)) {
	c.small.ForEachObject(func(body mem.Addr, _ int, rc uint16) bool {
		fn(body, rc)
		return true
	})
	c.large.ForEachObject(func(body mem.Addr, _ int, rc uint16) bool {
		fn(body, rc)
		return true
	})
}

// Collect frees every allocated object whose refcount is zero, together with
// whatever those objects alone kept alive, then prunes empty SMT pages.
// Running it twice in a row reclaims nothing the second time.
func (c *Collector) Collect() Stats {
	if c.running {
		return Stats{}
	}
	c.running = true
	defer func() { c.running = false }()

	var st Stats
	var dead []mem.Addr
	c.forEachObject(func(obj mem.Addr, rc uint16) {
		st.Scanned++
		if rc == 0 {
			dead = append(dead, obj)
		}
	})

	before := c.engine.Stats().Frees
	for _, obj := range dead {
		// An earlier cascade may already have taken it.
		if !c.engine.IsLive(obj) || c.engine.RefCount(obj) != 0 {
			continue
		}
		c.engine.FreeObjectAndReferences(obj)
		st.Reclaimed++
	}
	st.Cascaded = c.engine.Stats().Frees - before - st.Reclaimed
	st.PagesPruned = c.small.PruneSizeMapTable()

	if logGC {
		tracef("Collect: scanned=%d reclaimed=%d cascaded=%d pruned=%d",
			st.Scanned, st.Reclaimed, st.Cascaded, st.PagesPruned)
	}
	c.record(st)
	return st
}

// CollectCycles runs a trial-deletion pass. Each live object's references
// from other heap objects are counted; an object with more references than
// that is held from outside the heap (a root, a handle, a caller). Everything
// reachable from such objects survives. The rest can only be reached from
// other garbage, so its internal references are dropped and it is freed.
func (c *Collector) CollectCycles() Stats {
	if c.running {
		return Stats{}
	}
	c.running = true
	defer func() { c.running = false }()

	var st Stats
	var nodes []mem.Addr
	internal := make(map[mem.Addr]int)
	c.forEachObject(func(obj mem.Addr, rc uint16) {
		st.Scanned++
		if rc > 0 {
			nodes = append(nodes, obj)
			internal[obj] = 0
		}
	})

	for _, obj := range nodes {
		c.engine.ForEachRef(obj, func(_, child mem.Addr) bool {
			if n, ok := internal[child]; ok {
				internal[child] = n + 1
			}
			return true
		})
	}

	marked := make(map[mem.Addr]bool, len(nodes))
	var work []mem.Addr
	for _, obj := range nodes {
		if int(c.engine.RefCount(obj)) > internal[obj] {
			marked[obj] = true
			work = append(work, obj)
		}
	}
	for len(work) > 0 {
		obj := work[len(work)-1]
		work = work[:len(work)-1]
		c.engine.ForEachRef(obj, func(_, child mem.Addr) bool {
			if _, ok := internal[child]; ok && !marked[child] {
				marked[child] = true
				work = append(work, child)
			}
			return true
		})
	}

	var garbage []mem.Addr
	for _, obj := range nodes {
		if !marked[obj] {
			garbage = append(garbage, obj)
		}
	}

	// Break every reference held by garbage. References into garbage only
	// decrement; references to survivors go through DecRef, which cannot
	// reach zero because survivors are held from outside the garbage.
	arena := c.engine.Arena()
	for _, obj := range garbage {
		c.engine.ForEachRef(obj, func(loc, child mem.Addr) bool {
			arena.PutRef(loc, mem.Null)
			if marked[child] {
				c.engine.DecRef(child)
			} else {
				c.engine.DecRefDeferred(child)
			}
			return true
		})
	}

	before := c.engine.Stats().Frees
	for _, obj := range garbage {
		if c.engine.IsLive(obj) && c.engine.RefCount(obj) == 0 {
			c.engine.FreeObjectAndReferences(obj)
			st.Reclaimed++
		}
	}
	st.Cascaded = c.engine.Stats().Frees - before - st.Reclaimed
	st.PagesPruned = c.small.PruneSizeMapTable()

	if logGC {
		tracef("CollectCycles: scanned=%d garbage=%d reclaimed=%d pruned=%d",
			st.Scanned, len(garbage), st.Reclaimed, st.PagesPruned)
	}
	c.record(st)
	return st
}

func (c *Collector) record(st Stats) {
	c.runs++
	c.totals.Add(st)
}

// Running reports whether a collection is in progress.
func (c *Collector) Running() bool { return c.running }

// Runs returns the number of completed collections.
func (c *Collector) Runs() int { return c.runs }

// Totals returns the accumulated stats of every completed collection.
func (c *Collector) Totals() Stats { return c.totals }
