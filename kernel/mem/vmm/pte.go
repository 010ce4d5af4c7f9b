// Package vmm implements the generic four-level page-table walker and the
// mapping primitives (insert, boot_map_region, ptbl_alloc/split/merge/free)
// built on top of it. The walker owns traversal; callers own semantics by
// supplying a bag of per-level callbacks (see Walker).
package vmm

import (
	"unsafe"

	"aos/kernel/mem/pmm"
)

// PTEFlag describes a flag bit that can be set on a page table entry.
type PTEFlag uintptr

// ptePhysPageMask extracts the physical frame address encoded in bits
// 12-51 of a page table entry.
const ptePhysPageMask = uintptr(0x000ffffffffff000)

const (
	// FlagPresent marks the entry as valid; the CPU ignores the rest of
	// the entry's bits when this is clear.
	FlagPresent PTEFlag = 1 << iota

	// FlagWrite allows writes through this mapping.
	FlagWrite

	// FlagUser allows user-mode (ring 3) access through this mapping.
	FlagUser

	// FlagWriteThrough selects write-through caching instead of write-back.
	FlagWriteThrough

	// FlagNoCache disables caching for this mapping.
	FlagNoCache

	// FlagAccessed is set by the CPU the first time the mapping is used.
	FlagAccessed

	// FlagDirty is set by the CPU the first time the mapping is written to.
	FlagDirty

	// FlagHuge marks a PD entry as mapping a 2MiB frame directly instead
	// of pointing at a PT, or a PDPT entry as mapping 1GiB directly.
	FlagHuge

	// FlagGlobal prevents the TLB entry from being flushed on a CR3 reload.
	FlagGlobal
)

// FlagNoExecute occupies bit 63 (the NX bit) rather than following the
// low-bit iota sequence above.
const FlagNoExecute PTEFlag = 1 << 63

// PTE is a single page table entry: a physical address in its high bits and
// flags in its low 12 bits (plus the NX bit at bit 63).
type PTE uintptr

// HasFlags returns true if all of flags are set.
func (e PTE) HasFlags(flags PTEFlag) bool {
	return uintptr(e)&uintptr(flags) == uintptr(flags)
}

// HasAnyFlag returns true if at least one of flags is set.
func (e PTE) HasAnyFlag(flags PTEFlag) bool {
	return uintptr(e)&uintptr(flags) != 0
}

// SetFlags ORs flags into the entry.
func (e *PTE) SetFlags(flags PTEFlag) {
	*e = PTE(uintptr(*e) | uintptr(flags))
}

// ClearFlags clears flags from the entry.
func (e *PTE) ClearFlags(flags PTEFlag) {
	*e = PTE(uintptr(*e) &^ uintptr(flags))
}

// Frame returns the physical frame this entry points to.
func (e PTE) Frame() pmm.Frame {
	return pmm.FrameFromAddress(uintptr(e) & ptePhysPageMask)
}

// SetFrame replaces the physical frame encoded in the entry, leaving its
// flags untouched.
func (e *PTE) SetFrame(f pmm.Frame) {
	*e = PTE((uintptr(*e) &^ ptePhysPageMask) | f.Address())
}

// table overlays a page table's 512 entries at the given kernel virtual
// address; it does not copy the table's contents.
type table struct {
	entries *[512]PTE
}

// tableAtFn resolves a table's kernel virtual address to the in-memory view
// used to read and write its entries. It is a variable, rather than a
// direct call to the unsafe.Pointer cast below, so that tests can redirect
// table reads/writes into ordinary Go-allocated arrays instead of raw
// physical memory.
var tableAtFn = tableAt

func tableAt(kva uintptr) table {
	return table{entries: (*[512]PTE)(unsafe.Pointer(kva))}
}
