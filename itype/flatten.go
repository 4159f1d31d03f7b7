package itype

// CoreType is a core wasm value type in a flattened representation.
type CoreType uint8

const (
	CoreI32 CoreType = iota
	CoreI64
	CoreF32
	CoreF64
)

func (c CoreType) String() string {
	switch c {
	case CoreI32:
		return "i32"
	case CoreI64:
		return "i64"
	case CoreF32:
		return "f32"
	case CoreF64:
		return "f64"
	}
	return "unknown"
}

// Flatten returns the flat core representation of a TypeID: the
// ordered sequence of core values that carries one value of the type
// across a call boundary. Results are memoized.
func (r *Registry) Flatten(id TypeID) ([]CoreType, error) {
	r.mu.RLock()
	if int(id) < len(r.flats) && r.flats[id] != nil {
		flat := r.flats[id]
		r.mu.RUnlock()
		return flat, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flattenLocked(id)
}

// FlattenSignature flattens all parameters and all results of a
// signature.
func (r *Registry) FlattenSignature(sig Signature) (params, results []CoreType, err error) {
	for _, p := range sig.Params {
		flat, err := r.Flatten(p)
		if err != nil {
			return nil, nil, err
		}
		params = append(params, flat...)
	}
	for _, res := range sig.Results {
		flat, err := r.Flatten(res)
		if err != nil {
			return nil, nil, err
		}
		results = append(results, flat...)
	}
	return params, results, nil
}

func (r *Registry) flattenLocked(id TypeID) ([]CoreType, error) {
	// Layout computation validates the id and rejects recursion, so a
	// successful layout guarantees flattening terminates.
	if _, err := r.layoutLocked(id, make(map[TypeID]bool)); err != nil {
		return nil, err
	}
	if cached := r.flats[id]; cached != nil {
		return cached, nil
	}

	t := r.types[id]
	var flat []CoreType

	ptr := CoreI32
	if r.opts.AddressWidth == Addr64 {
		ptr = CoreI64
	}

	switch t.Kind {
	case KindBool, KindS8, KindU8, KindS16, KindU16, KindS32, KindU32, KindChar:
		flat = []CoreType{CoreI32}
	case KindS64, KindU64:
		flat = []CoreType{CoreI64}
	case KindF32:
		flat = []CoreType{CoreF32}
	case KindF64:
		flat = []CoreType{CoreF64}
	case KindString, KindList:
		flat = []CoreType{ptr, ptr} // pointer, length
	case KindHandle:
		flat = []CoreType{CoreI32} // resource index
	case KindRecord:
		for _, f := range t.Fields {
			ff, err := r.flattenLocked(f.Type)
			if err != nil {
				return nil, err
			}
			flat = append(flat, ff...)
		}
	case KindVariant:
		var err error
		flat, err = r.flattenCases(variantPayloads(t))
		if err != nil {
			return nil, err
		}
	case KindOption:
		elem := t.Elem
		var err error
		flat, err = r.flattenCases([]*TypeID{nil, &elem})
		if err != nil {
			return nil, err
		}
	case KindResult:
		var err error
		flat, err = r.flattenCases([]*TypeID{t.OK, t.Err})
		if err != nil {
			return nil, err
		}
	}

	if flat == nil {
		flat = []CoreType{}
	}
	r.flats[id] = flat
	return flat, nil
}

// flattenCases produces a discriminant slot followed by the per-slot
// join of every case's flattening, sized to the widest case.
func (r *Registry) flattenCases(payloads []*TypeID) ([]CoreType, error) {
	var payload []CoreType
	for _, p := range payloads {
		if p == nil {
			continue
		}
		caseFlat, err := r.flattenLocked(*p)
		if err != nil {
			return nil, err
		}
		for i, ct := range caseFlat {
			if i < len(payload) {
				payload[i] = joinCoreTypes(payload[i], ct)
			} else {
				payload = append(payload, ct)
			}
		}
	}
	return append([]CoreType{CoreI32}, payload...), nil
}

// joinCoreTypes unions two core types sharing one variant payload slot.
func joinCoreTypes(a, b CoreType) CoreType {
	if a == b {
		return a
	}
	// 32-bit types can share an i32 slot.
	if (a == CoreI32 && b == CoreF32) || (a == CoreF32 && b == CoreI32) {
		return CoreI32
	}
	// Different sizes require i64.
	return CoreI64
}
