// Package membridge mediates between the marshaller and guest memory
// allocators.
//
// Bridge wraps a guest allocation entry point (typically
// cabi_realloc) and maps its failure modes to allocation_failed
// errors before any pointer reaches marshalling code. AllocationList
// tracks the allocations made while lowering a compound value so a
// mid-lowering failure can free everything already obtained.
package membridge
