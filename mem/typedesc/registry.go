package typedesc

import "fmt"

const (
	// idBase places descriptor IDs in the upper half of the address space so
	// they can never be confused with arena addresses in a memory dump.
	idBase   ID = 0xFFFF_8000_0000_0000
	idStride ID = 0x40
)

// Registry maps type words back to descriptors.
//
// NOT thread-safe.
type Registry struct {
	byID   map[ID]*Desc
	byName map[string]*Desc
	next   ID
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[ID]*Desc),
		byName: make(map[string]*Desc),
		next:   idBase,
	}
}

// Register validates d and assigns its ID. Registering the same descriptor
// twice returns the existing ID.
func (r *Registry) Register(d *Desc) (ID, error) {
	if d.id != 0 {
		if got, ok := r.byID[d.id]; ok && got == d {
			return d.id, nil
		}
		return 0, fmt.Errorf("%w: %s is registered elsewhere", ErrBadLayout, d.Name)
	}
	if err := d.Validate(); err != nil {
		return 0, err
	}
	r.next += idStride
	d.id = r.next
	r.byID[d.id] = d
	if _, dup := r.byName[d.Name]; !dup {
		r.byName[d.Name] = d
	}
	return d.id, nil
}

// MustRegister is Register for static descriptor tables; it panics on error.
func (r *Registry) MustRegister(d *Desc) *Desc {
	if _, err := r.Register(d); err != nil {
		panic(err)
	}
	return d
}

// Lookup returns the descriptor for a type word.
func (r *Registry) Lookup(id ID) (*Desc, error) {
	d, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%X", ErrUnknownType, uint64(id))
	}
	return d, nil
}

// ByName returns the first descriptor registered under name.
func (r *Registry) ByName(name string) (*Desc, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// Len returns the number of registered descriptors.
func (r *Registry) Len() int { return len(r.byID) }
