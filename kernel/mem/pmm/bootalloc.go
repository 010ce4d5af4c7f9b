package pmm

import (
	"reflect"
	"unsafe"

	"aos/kernel/mem"
)

// bootAllocator is a monotonic bump allocator used exactly once, during
// Init, to carve out the backing storage for the frame Registry before the
// buddy allocator it will drive even exists. Once Init returns, the boot
// allocator is retired; calling alloc again is a programming error.
type bootAllocator struct {
	next uintptr
	used bool
}

// newBootAllocator starts bump allocation at the first page-aligned address
// at or above start.
func newBootAllocator(start uintptr) *bootAllocator {
	return &bootAllocator{next: uintptr(mem.Align(uint64(start), uint64(mem.PageSize)))}
}

// alloc reserves size bytes, rounded up to a whole number of pages, and
// returns a zeroed byte slice backed by that memory.
func (b *bootAllocator) alloc(size mem.Size) []byte {
	b.used = true
	addr := b.next
	b.next += uintptr(mem.Align(uint64(size), uint64(mem.PageSize)))

	buf := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Data: addr,
		Len:  int(size),
		Cap:  int(size),
	}))
	for i := range buf {
		buf[i] = 0
	}
	return buf
}

// end returns the first address not yet claimed by the boot allocator. It
// is the upper bound of the memory reserved for the kernel image plus
// whatever the boot allocator has handed out so far.
func (b *bootAllocator) end() uintptr {
	return b.next
}
