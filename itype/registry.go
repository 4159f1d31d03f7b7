package itype

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/wippyai/canonlink/errors"
)

// AddressWidth selects the pointer width of the canonical ABI.
type AddressWidth uint8

const (
	Addr32 AddressWidth = iota // 32-bit pointers and lengths (default)
	Addr64                     // 64-bit pointers and lengths
)

// Options configures a Registry.
type Options struct {
	AddressWidth AddressWidth
}

// DefaultOptions returns the default registry configuration.
func DefaultOptions() Options {
	return Options{AddressWidth: Addr32}
}

// Registry stores interface-type definitions and computes canonical
// ABI layouts. It is append-only: registration is serialized while
// lookups may run concurrently once a TypeID has been handed out.
type Registry struct {
	mu      sync.RWMutex
	types   []Type
	layouts []*Layout
	flats   [][]CoreType
	dedup   map[string]TypeID
	opts    Options
}

// NewRegistry creates a registry with the primitive types
// pre-registered at their fixed TypeIDs.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		dedup: make(map[string]TypeID),
		opts:  opts,
	}
	for k := KindBool; k <= KindString; k++ {
		t := Type{Kind: k}
		r.types = append(r.types, t)
		r.layouts = append(r.layouts, nil)
		r.flats = append(r.flats, nil)
		r.dedup[structuralKey(t)] = TypeID(len(r.types) - 1)
	}
	return r
}

// Options returns the registry configuration.
func (r *Registry) Options() Options {
	return r.opts
}

// Register adds a type definition and returns its TypeID. Registration
// is idempotent for structurally identical definitions. Constituent
// TypeIDs must already be registered; a reference to the ID the
// definition itself would receive is rejected as recursive (recursion
// must pass through a Handle indirection), and any higher reference is
// unknown.
func (r *Registry) Register(t Type) (TypeID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t.Kind == KindVariant && len(t.Cases) == 0 {
		return 0, errors.InvalidInput(errors.PhaseRegister, "variant requires at least one case")
	}

	next := TypeID(len(r.types))
	for _, ref := range typeRefs(t) {
		if ref == next {
			return 0, errors.RecursiveType(errors.PhaseRegister, t.Kind.String())
		}
		if ref > next {
			return 0, errors.UnknownType(errors.PhaseRegister, uint32(ref))
		}
	}

	key := structuralKey(t)
	if id, ok := r.dedup[key]; ok {
		return id, nil
	}

	r.types = append(r.types, t)
	r.layouts = append(r.layouts, nil)
	r.flats = append(r.flats, nil)
	r.dedup[key] = next
	return next, nil
}

// MustRegister registers a definition and panics on failure. Intended
// for static type tables.
func (r *Registry) MustRegister(t Type) TypeID {
	id, err := r.Register(t)
	if err != nil {
		panic(err)
	}
	return id
}

// Lookup returns the definition for a TypeID.
func (r *Registry) Lookup(id TypeID) (Type, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(id) >= len(r.types) {
		return Type{}, errors.UnknownType(errors.PhaseRegister, uint32(id))
	}
	return r.types[id], nil
}

// Len returns the number of registered types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}

// Name renders a human-readable name for a TypeID, for diagnostics.
func (r *Registry) Name(id TypeID) string {
	t, err := r.Lookup(id)
	if err != nil {
		return fmt.Sprintf("unknown(%d)", id)
	}
	switch t.Kind {
	case KindList:
		return "list<" + r.Name(t.Elem) + ">"
	case KindOption:
		return "option<" + r.Name(t.Elem) + ">"
	case KindRecord:
		names := make([]string, len(t.Fields))
		for i, f := range t.Fields {
			names[i] = f.Name + ": " + r.Name(f.Type)
		}
		return "record{" + strings.Join(names, ", ") + "}"
	case KindVariant:
		names := make([]string, len(t.Cases))
		for i, c := range t.Cases {
			names[i] = c.Name
			if c.Type != nil {
				names[i] += "(" + r.Name(*c.Type) + ")"
			}
		}
		return "variant{" + strings.Join(names, " | ") + "}"
	case KindResult:
		ok, errName := "_", "_"
		if t.OK != nil {
			ok = r.Name(*t.OK)
		}
		if t.Err != nil {
			errName = r.Name(*t.Err)
		}
		return "result<" + ok + ", " + errName + ">"
	case KindHandle:
		return "handle<" + t.Resource + ">"
	default:
		return t.Kind.String()
	}
}

// typeRefs collects every TypeID a definition references directly.
func typeRefs(t Type) []TypeID {
	var refs []TypeID
	switch t.Kind {
	case KindList, KindOption:
		refs = append(refs, t.Elem)
	case KindRecord:
		for _, f := range t.Fields {
			refs = append(refs, f.Type)
		}
	case KindVariant:
		for _, c := range t.Cases {
			if c.Type != nil {
				refs = append(refs, *c.Type)
			}
		}
	case KindResult:
		if t.OK != nil {
			refs = append(refs, *t.OK)
		}
		if t.Err != nil {
			refs = append(refs, *t.Err)
		}
	}
	return refs
}

// structuralKey renders a definition to a canonical string so that
// exactly the structurally identical definitions collide in the dedup
// map. Names are length-prefixed so a name containing the separator
// characters cannot shift the boundaries of the rendering.
func structuralKey(t Type) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(int(t.Kind)))
	switch t.Kind {
	case KindList, KindOption:
		b.WriteByte('<')
		b.WriteString(strconv.Itoa(int(t.Elem)))
		b.WriteByte('>')
	case KindRecord:
		for _, f := range t.Fields {
			b.WriteByte(';')
			writeKeyName(&b, f.Name)
			b.WriteByte('=')
			b.WriteString(strconv.Itoa(int(f.Type)))
		}
	case KindVariant:
		for _, c := range t.Cases {
			b.WriteByte(';')
			writeKeyName(&b, c.Name)
			if c.Type != nil {
				b.WriteByte('=')
				b.WriteString(strconv.Itoa(int(*c.Type)))
			}
		}
	case KindResult:
		b.WriteByte(';')
		if t.OK != nil {
			b.WriteString(strconv.Itoa(int(*t.OK)))
		}
		b.WriteByte('|')
		if t.Err != nil {
			b.WriteString(strconv.Itoa(int(*t.Err)))
		}
	case KindHandle:
		b.WriteByte(';')
		writeKeyName(&b, t.Resource)
	}
	return b.String()
}

func writeKeyName(b *strings.Builder, name string) {
	b.WriteString(strconv.Itoa(len(name)))
	b.WriteByte(':')
	b.WriteString(name)
}
