// +build amd64

package vmm

import "aos/kernel/mem"

// entriesPerTable is the number of entries in every level of the amd64
// page-table hierarchy.
const entriesPerTable = 512

// level identifies one of the four page-table levels, ordered root-first.
type level uint8

const (
	levelPML4 level = iota
	levelPDPT
	levelPD
	levelPT
	numLevels
)

// levelShift gives the virtual-address bit offset that selects the entry
// index at each level: bits [47:39] for PML4, [38:30] for PDPT, [29:21] for
// PD, [20:12] for PT.
var levelShift = [numLevels]uint8{39, 30, 21, 12}

// levelSpan gives the number of bytes of address space covered by a single
// entry at each level.
var levelSpan = [numLevels]mem.Size{
	levelPML4: 512 * mem.Gb,
	levelPDPT: 1 * mem.Gb,
	levelPD:   2 * mem.Mb,
	levelPT:   mem.PageSize,
}

// indexAt extracts the table index for virtual address va at the given level.
func indexAt(va uintptr, l level) uintptr {
	return (va >> levelShift[l]) & (entriesPerTable - 1)
}

// levelEnd returns the first address not covered by the entry that va falls
// into at level l.
func levelEnd(va uintptr, l level) uintptr {
	span := uintptr(levelSpan[l])
	return (va &^ (span - 1)) + span
}

// signExtend canonicalizes a 48-bit virtual address by sign-extending bit 47
// across bits [63:48], as amd64 requires of every virtual address.
func signExtend(va uintptr) uintptr {
	const signBit = uintptr(1) << 47
	if va&signBit != 0 {
		return va | ^uintptr(1<<48-1)
	}
	return va
}
