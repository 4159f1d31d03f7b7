package abi

// Interface values use plain Go representations: bool, int8 through
// uint64, float32/float64, rune for char, string, []any for lists,
// and map[string]any for records. The wrapper types below carry the
// shapes Go has no direct analog for.

// Variant is one case of a variant type with its optional payload.
// Payload is nil for payload-less cases.
type Variant struct {
	Case    uint32
	Payload any
}

// Option is an optional value.
type Option struct {
	Some  bool
	Value any
}

// Result is a success-or-error value. Value holds the ok payload when
// Err is false and the error payload when Err is true; it is nil when
// the selected side has no payload type.
type Result struct {
	Err   bool
	Value any
}

// HandleRef is a lifted resource handle: the resource value together
// with the instance id of the table it was lifted from. Lowering a
// HandleRef inserts the value into the destination table under a
// fresh index.
type HandleRef struct {
	Owner uint32
	Value any
}
