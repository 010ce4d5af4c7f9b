package pmm

import (
	"aos/kernel/mem"
)

// PhysMapBase is the virtual address at which the whole of physical memory
// is linearly mapped once the kernel's own page tables are active. A frame's
// kernel virtual address is always PhysMapBase + its physical address.
const PhysMapBase = uintptr(0xffff800000000000)

// noLink marks an end-of-list / unset prev-or-next index. It is the
// all-ones uint32 value, which is never a valid registry index, so index 0
// remains usable as an ordinary free-list member.
const noLink = ^uint32(0)

// descriptor holds the per-frame metadata the buddy allocator operates on.
// Descriptors never move once the registry is allocated; a frame's link to
// its free-list neighbours is expressed as indices into the registry rather
// than pointers, so the registry can later be remapped to its final virtual
// address without a pointer-rewriting pass.
type descriptor struct {
	refCount uint32
	free     bool
	order    mem.PageOrder
	prev     uint32
	next     uint32
}

// Registry is a dense array of frame descriptors, one per physical frame
// known to the system, indexed by physical frame number.
type Registry struct {
	base  Frame // physical frame number represented by descriptors[0]
	descs []descriptor
}

// NewRegistry builds an empty registry covering the half-open frame range
// [base, base+count). The backing storage must already be zeroed; callers
// are expected to allocate it via the boot allocator (see init.go) since no
// other allocator is available yet when the registry is constructed.
func NewRegistry(base Frame, descs []descriptor) *Registry {
	r := &Registry{base: base, descs: descs}
	for i := range r.descs {
		r.descs[i] = descriptor{prev: noLink, next: noLink}
	}
	return r
}

// NewBareRegistry allocates and builds an empty registry covering count
// frames starting at base, entirely with normal Go heap storage. Unlike
// NewRegistry, which overlays a caller-supplied buffer (the bump-allocated
// one Init uses before any heap exists), this is for contexts where the Go
// runtime's own allocator is available: tests of code built on top of a
// Registry/Allocator, such as vmm's, that need one without going through
// the boot-time bump allocator.
func NewBareRegistry(base Frame, count uint32) *Registry {
	return NewRegistry(base, make([]descriptor, count))
}

// Len returns the number of frames tracked by this registry.
func (r *Registry) Len() int {
	return len(r.descs)
}

// Contains reports whether frame f falls within the frame range tracked by
// this registry.
func (r *Registry) Contains(f Frame) bool {
	return f >= r.base && f < r.base+Frame(len(r.descs))
}

// indexOf converts a frame number to a registry slice index. Callers must
// have already verified Contains(f).
func (r *Registry) indexOf(f Frame) uint32 {
	return uint32(f - r.base)
}

// frameAt converts a registry slice index back to a frame number.
func (r *Registry) frameAt(idx uint32) Frame {
	return r.base + Frame(idx)
}

// PaToDesc returns the descriptor index for the frame containing pa.
func (r *Registry) PaToDesc(pa uintptr) uint32 {
	return r.indexOf(FrameFromAddress(pa))
}

// DescToPa returns the physical address of the frame described by idx.
func (r *Registry) DescToPa(idx uint32) uintptr {
	return r.frameAt(idx).Address()
}

// DescToKva returns the kernel virtual address of the frame described by idx.
func (r *Registry) DescToKva(idx uint32) uintptr {
	return PhysMapBase + r.DescToPa(idx)
}
