package kmem

import (
	"github.com/joshuapare/kernmem/mem/gc"
	"github.com/joshuapare/kernmem/mem/handle"
	"github.com/joshuapare/kernmem/mem/large"
	"github.com/joshuapare/kernmem/mem/native"
	"github.com/joshuapare/kernmem/mem/page"
	"github.com/joshuapare/kernmem/mem/rc"
	"github.com/joshuapare/kernmem/mem/smt"
)

// Stats is a snapshot of every component's counters.
type Stats struct {
	Pages   page.Stats
	Small   smt.Stats
	Large   large.Stats
	RC      rc.Stats
	Handles handle.Stats
	Native  native.Stats
	GC      gc.Stats // accumulated over every collection
	GCRuns  int
	Roots   int // live root slots
}

// LiveObjects returns the number of allocated objects in both heaps, not
// counting small-heap slots leased to native code.
func (s Stats) LiveObjects() int {
	return s.Small.LiveObjects - s.Native.SlotLeases + s.Large.LiveObjects
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Stats{}
	}
	return Stats{
		Pages:   m.pages.Stats(),
		Small:   m.small.Stats(),
		Large:   m.large.Stats(),
		RC:      m.engine.Stats(),
		Handles: m.handles.Stats(),
		Native:  m.native.Stats(),
		GC:      m.gc.Totals(),
		GCRuns:  m.gc.Runs(),
		Roots:   m.roots.Len(),
	}
}
