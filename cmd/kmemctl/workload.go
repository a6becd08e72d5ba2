package main

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/joshuapare/kernmem/internal/logger"
	"github.com/joshuapare/kernmem/mem"
	"github.com/joshuapare/kernmem/mem/page"
	"github.com/joshuapare/kernmem/mem/typedesc"
	"github.com/joshuapare/kernmem/pkg/kmem"
)

// workloadOptions shapes a random object graph workload.
type workloadOptions struct {
	Ops          int    // mutations to perform
	Seed         uint64 // RNG seed; equal seeds replay the same workload
	CollectEvery int    // run Collect every N ops; 0 disables
	Cycles       bool   // also run CollectCycles on each collection
	Roots        int    // root slots the workload mutates through
	VerifyEvery  int    // check invariants every N ops; 0 checks only at the end
}

// WorkloadResult counts what a workload did.
type WorkloadResult struct {
	Ops         int           `json:"ops"`
	Allocs      int           `json:"allocs"`
	Links       int           `json:"links"`
	RootClears  int           `json:"root_clears"`
	Deferred    int           `json:"deferred"`
	Handles     int           `json:"handles"`
	Native      int           `json:"native"`
	Collections int           `json:"collections"`
	Reclaimed   int           `json:"reclaimed"`
	OOMRetries  int           `json:"oom_retries"`
	Verified    int           `json:"verified"`
	Elapsed     time.Duration `json:"elapsed_ns"`
}

const (
	maxWorkloadHandles = 32
	maxNativeLeases    = 16
)

type workload struct {
	m    *kmem.Manager
	opts workloadOptions
	r    *rand.Rand
	res  WorkloadResult

	node, blob, arr *typedesc.Desc

	roots   []mem.Addr
	handles []kmem.Handle
	natives []mem.Addr
}

// runWorkload mutates a random object graph through m. Objects are never
// held by the workload across ops: each one goes straight into a root, a
// field, a handle or the deferred path.
func runWorkload(m *kmem.Manager, opts workloadOptions) (WorkloadResult, error) {
	if opts.Roots <= 0 {
		opts.Roots = 64
	}
	w := &workload{
		m:    m,
		opts: opts,
		r:    rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9E3779B97F4A7C15)),
		node: typedesc.NewObject("Node", 24, 8, 16),
		blob: typedesc.NewObject("Blob", 6000, 8),
		arr:  typedesc.NewArray("Node[]", 8, true),
	}
	for _, d := range []*typedesc.Desc{w.node, w.blob, w.arr} {
		if _, err := m.RegisterType(d); err != nil {
			return w.res, err
		}
	}
	for range opts.Roots {
		slot, err := m.NewRoot()
		if err != nil {
			return w.res, err
		}
		w.roots = append(w.roots, slot)
	}

	start := time.Now()
	for i := range opts.Ops {
		if err := w.step(); err != nil {
			return w.res, fmt.Errorf("op %d: %w", i, err)
		}
		w.res.Ops++
		if opts.CollectEvery > 0 && (i+1)%opts.CollectEvery == 0 {
			w.collect()
		}
		if opts.VerifyEvery > 0 && (i+1)%opts.VerifyEvery == 0 {
			if err := w.verify(i); err != nil {
				return w.res, err
			}
		}
	}
	if err := w.verify(opts.Ops); err != nil {
		return w.res, err
	}
	w.res.Elapsed = time.Since(start)

	logger.Info("workload finished",
		"ops", w.res.Ops, "seed", opts.Seed, "allocs", w.res.Allocs,
		"reclaimed", w.res.Reclaimed, "elapsed", w.res.Elapsed)
	return w.res, nil
}

func (w *workload) verify(op int) error {
	if err := w.m.Verify(); err != nil {
		return fmt.Errorf("invariants violated after op %d: %w", op, err)
	}
	w.res.Verified++
	return nil
}

func (w *workload) collect() {
	st := w.m.Collect()
	w.res.Reclaimed += st.Reclaimed + st.Cascaded
	if w.opts.Cycles {
		st = w.m.CollectCycles()
		w.res.Reclaimed += st.Reclaimed
	}
	w.res.Collections++
}

func (w *workload) root() mem.Addr { return w.roots[w.r.IntN(len(w.roots))] }

func (w *workload) value() (mem.Addr, error) { return w.m.Load(w.root()) }

// alloc allocates a random object, collecting once if the arena is full.
func (w *workload) alloc() (mem.Addr, error) {
	obj, err := w.allocOnce()
	if errors.Is(err, page.ErrOutOfMemory) {
		w.res.OOMRetries++
		w.collect()
		obj, err = w.allocOnce()
	}
	if err != nil {
		return mem.Null, err
	}
	w.res.Allocs++
	return obj, nil
}

func (w *workload) allocOnce() (mem.Addr, error) {
	switch n := w.r.IntN(20); {
	case n == 0:
		return w.m.New(w.blob)
	case n < 3:
		return w.m.AllocateArray(w.arr, 1+w.r.IntN(16))
	default:
		return w.m.New(w.node)
	}
}

// refSlot returns a random reference location inside obj.
func (w *workload) refSlot(obj mem.Addr) (mem.Addr, error) {
	d, err := w.m.TypeOf(obj)
	if err != nil {
		return mem.Null, err
	}
	if d.IsArray() {
		n, err := w.m.Len(obj)
		if err != nil {
			return mem.Null, err
		}
		return w.m.ElementAddr(obj, w.r.IntN(n))
	}
	offs := d.RefOffsets()
	return w.m.FieldAddr(obj, offs[w.r.IntN(len(offs))])
}

func (w *workload) step() error {
	switch op := w.r.IntN(100); {
	case op < 35:
		obj, err := w.alloc()
		if err != nil {
			return err
		}
		return w.m.Adopt(w.root(), obj)

	case op < 65:
		src, err := w.value()
		if err != nil || src == mem.Null {
			return err
		}
		loc, err := w.refSlot(src)
		if err != nil {
			return err
		}
		dst, err := w.value()
		if err != nil {
			return err
		}
		w.res.Links++
		return w.m.AssignRef(loc, dst)

	case op < 80:
		w.res.RootClears++
		return w.m.AssignRef(w.root(), mem.Null)

	case op < 90:
		tmp, err := w.alloc()
		if err != nil {
			return err
		}
		w.res.Deferred++
		return w.m.DecRefDeferred(tmp)

	case op < 96:
		return w.handleOp()

	default:
		return w.nativeOp()
	}
}

// nativeSize picks a lease size: mostly slot sized, sometimes a page run.
func (w *workload) nativeSize() int {
	if w.r.IntN(4) == 0 {
		return 1 + w.r.IntN(3*4096)
	}
	return 1 + w.r.IntN(256)
}

// nativeOp leases, resizes or frees raw native memory the way firmware
// interpreters use malloc, realloc and free.
func (w *workload) nativeOp() error {
	w.res.Native++
	if len(w.natives) == 0 || (len(w.natives) < maxNativeLeases && w.r.IntN(2) == 0) {
		addr, err := w.m.NativeAlloc(w.nativeSize())
		if errors.Is(err, page.ErrOutOfMemory) {
			w.res.OOMRetries++
			w.collect()
			addr, err = w.m.NativeAlloc(w.nativeSize())
		}
		if err != nil {
			return err
		}
		w.natives = append(w.natives, addr)
		return nil
	}

	i := w.r.IntN(len(w.natives))
	if w.r.IntN(2) == 0 {
		addr, err := w.m.NativeRealloc(w.natives[i], 0, w.nativeSize())
		if errors.Is(err, page.ErrOutOfMemory) {
			// The old lease is untouched on failure.
			return nil
		}
		if err != nil {
			return err
		}
		w.natives[i] = addr
		return nil
	}
	err := w.m.NativeFree(w.natives[i])
	w.natives = append(w.natives[:i], w.natives[i+1:]...)
	return err
}

// handleOp issues a random handle, freeing the oldest one when the workload
// already holds its share of the table.
func (w *workload) handleOp() error {
	if len(w.handles) == maxWorkloadHandles {
		if err := w.m.HandleFree(w.handles[0]); err != nil {
			return err
		}
		w.handles = w.handles[1:]
	}
	target, err := w.value()
	if err != nil || target == mem.Null {
		return err
	}

	var h kmem.Handle
	switch k := w.r.IntN(4); k {
	case 0:
		secondary, err := w.value()
		if err != nil {
			return err
		}
		h, err = w.m.HandleAllocDependent(target, secondary)
		if err != nil {
			return err
		}
	default:
		h, err = w.m.HandleAlloc(target, []kmem.HandleKind{kmem.Weak, kmem.Normal, kmem.Pinned}[k-1])
		if err != nil {
			return err
		}
	}
	w.handles = append(w.handles, h)
	w.res.Handles++
	return nil
}
