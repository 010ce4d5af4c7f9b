// Package pmm implements the physical memory core: a frame registry, a
// buddy page allocator built on top of it, and the boot-time
// initialization that seeds both from the bootloader-supplied memory map.
package pmm

import (
	"math"

	"aos/kernel/mem"
)

// Frame describes a physical memory page index. Multiplying a Frame by
// mem.PageSize yields its physical address.
type Frame uint64

// InvalidFrame is returned by allocators when they fail to reserve a frame.
const InvalidFrame = Frame(math.MaxUint64)

// Valid returns true if this is not the InvalidFrame sentinel.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address for this frame.
func (f Frame) Address() uintptr {
	return uintptr(f) << mem.PageShift
}

// FrameFromAddress returns the Frame that contains the given physical address.
func FrameFromAddress(addr uintptr) Frame {
	return Frame(addr >> mem.PageShift)
}
