package page

import "fmt"

// Kind is the one-byte tag the RAT stores for every page.
type Kind uint8

const (
	Empty       Kind = 0 // not leased
	SmallHeap   Kind = 1 // SMT slots of a single size class
	MediumHeap  Kind = 2 // one-page medium object
	LargeHeap   Kind = 3 // page of a multi-page large object
	SizeMapMeta Kind = 4 // SMT root size-class block
	Unmanaged   Kind = 5 // handle table, root slots, raw native leases
	Reserved    Kind = 6 // reserved low memory and the RAT itself

	numKinds = 7
)

var kindNames = [numKinds]string{
	Empty:       "Empty",
	SmallHeap:   "SmallHeap",
	MediumHeap:  "MediumHeap",
	LargeHeap:   "LargeHeap",
	SizeMapMeta: "SizeMapMeta",
	Unmanaged:   "Unmanaged",
	Reserved:    "Reserved",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Leasable reports whether Acquire may tag a run with k.
func (k Kind) Leasable() bool {
	switch k {
	case SmallHeap, MediumHeap, LargeHeap, SizeMapMeta, Unmanaged:
		return true
	default:
		return false
	}
}

// Kinds returns every defined kind in tag order.
func Kinds() []Kind {
	out := make([]Kind, numKinds)
	for i := range out {
		out[i] = Kind(i)
	}
	return out
}
