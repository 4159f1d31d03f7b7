// Package resource implements generational resource tables.
//
// A Table owns opaque resource values on behalf of a guest instance.
// Handles are packed (index, generation) pairs that fit one core i32:
// removing an entry advances its slot's generation, so a handle held
// past removal fails with a stale_handle error instead of silently
// referring to whatever reuses the slot.
//
// Values implementing Dropper are released when their entry is
// removed or the table is cleared.
package resource
