// Package typedesc describes object layouts to the memory manager: how big an
// object is, how big its array elements are, and which words hold references.
//
// The type system owns descriptors; the memory manager only reads them. A
// registered descriptor gets a non-zero ID that is stamped into the first
// word of every object body, the same way generated code stores a method
// table pointer.
package typedesc

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/joshuapare/kernmem/internal/buf"
	"github.com/joshuapare/kernmem/internal/format"
)

var (
	// ErrUnknownType indicates a type word that does not match any registered descriptor.
	ErrUnknownType = errors.New("typedesc: unknown type descriptor")

	// ErrBadLayout indicates a descriptor whose sizes or reference map are inconsistent.
	ErrBadLayout = errors.New("typedesc: bad layout")
)

// ID is the value stamped into an object's type word.
type ID uint64

// Bitmap marks reference words: bit i set means the 8-byte word at body
// offset 8*i holds a reference.
type Bitmap []uint64

// Has reports whether word i is a reference.
func (b Bitmap) Has(i int) bool {
	w := i / 64
	return w < len(b) && b[w]&(1<<(uint(i)%64)) != 0
}

// With returns b with word i marked.
func (b Bitmap) With(i int) Bitmap {
	w := i / 64
	for len(b) <= w {
		b = append(b, 0)
	}
	b[w] |= 1 << (uint(i) % 64)
	return b
}

// Count returns the number of reference words.
func (b Bitmap) Count() int {
	n := 0
	for _, w := range b {
		n += bits.OnesCount64(w)
	}
	return n
}

// Words calls fn with the index of every reference word in ascending order.
func (b Bitmap) Words(fn func(i int)) {
	for wi, w := range b {
		for w != 0 {
			bit := bits.TrailingZeros64(w)
			fn(wi*64 + bit)
			w &= w - 1
		}
	}
}

// Desc is a type descriptor.
type Desc struct {
	Name string

	// BaseSize is the fixed part of the body in bytes, including the type
	// word and, for arrays, the length word.
	BaseSize int

	// ElemSize is the array element size in bytes; 0 for non-array types.
	ElemSize int

	// ElemIsRef marks arrays whose elements are references.
	ElemIsRef bool

	// RefMap marks reference fields in the fixed part of the body.
	RefMap Bitmap

	id ID
}

// NewObject describes a non-array type of size body bytes (type word
// included) whose reference fields live at the given body offsets.
//
//	// class Container { object Field; }  -> type word + one reference
//	container := typedesc.NewObject("Container", 16, 8)
func NewObject(name string, size int, refOffsets ...int) *Desc {
	d := &Desc{Name: name, BaseSize: size}
	for _, off := range refOffsets {
		d.RefMap = d.RefMap.With(off / format.WordSize)
	}
	return d
}

// NewArray describes an array type with elements of elemSize bytes.
func NewArray(name string, elemSize int, elemIsRef bool) *Desc {
	return &Desc{
		Name:      name,
		BaseSize:  format.ArrayHeaderSize,
		ElemSize:  elemSize,
		ElemIsRef: elemIsRef,
	}
}

// ID returns the registered ID, 0 before registration.
func (d *Desc) ID() ID { return d.id }

// IsArray reports whether d describes an array type.
func (d *Desc) IsArray() bool { return d.ElemSize > 0 }

// Size returns the body size for an instance with length elements.
// length is ignored for non-array types.
func (d *Desc) Size(length int) (int, error) {
	if !d.IsArray() {
		return d.BaseSize, nil
	}
	if length > format.MaxArrayLength {
		return 0, fmt.Errorf("%w: array length %d", ErrBadLayout, length)
	}
	size, err := buf.ArraySize(d.BaseSize, length, d.ElemSize)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrBadLayout, d.Name, err)
	}
	return size, nil
}

// RefOffsets returns the body offsets of the reference fields.
func (d *Desc) RefOffsets() []int {
	out := make([]int, 0, d.RefMap.Count())
	d.RefMap.Words(func(i int) {
		out = append(out, i*format.WordSize)
	})
	return out
}

// Validate checks the descriptor's internal consistency.
func (d *Desc) Validate() error {
	if d.BaseSize < format.ObjectHeaderSize {
		return fmt.Errorf("%w: %s: base size %d smaller than the type word", ErrBadLayout, d.Name, d.BaseSize)
	}
	if d.ElemSize < 0 {
		return fmt.Errorf("%w: %s: negative element size", ErrBadLayout, d.Name)
	}
	if d.IsArray() && d.BaseSize < format.ArrayHeaderSize {
		return fmt.Errorf("%w: %s: array base size %d smaller than the array header", ErrBadLayout, d.Name, d.BaseSize)
	}
	if d.ElemIsRef && d.ElemSize != format.WordSize {
		return fmt.Errorf("%w: %s: reference elements must be %d bytes", ErrBadLayout, d.Name, format.WordSize)
	}

	var err error
	d.RefMap.Words(func(i int) {
		if err != nil {
			return
		}
		off := i * format.WordSize
		switch {
		case i == 0:
			err = fmt.Errorf("%w: %s: the type word cannot be a reference", ErrBadLayout, d.Name)
		case d.IsArray() && off < format.ArrayHeaderSize:
			err = fmt.Errorf("%w: %s: the length word cannot be a reference", ErrBadLayout, d.Name)
		case off+format.WordSize > d.BaseSize:
			err = fmt.Errorf("%w: %s: reference at %d past base size %d", ErrBadLayout, d.Name, off, d.BaseSize)
		}
	})
	return err
}

func (d *Desc) String() string {
	if d.IsArray() {
		return fmt.Sprintf("%s[%d]", d.Name, d.ElemSize)
	}
	return fmt.Sprintf("%s(%d)", d.Name, d.BaseSize)
}
