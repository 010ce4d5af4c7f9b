package pmm

import (
	"reflect"
	"unsafe"

	"aos/kernel"
	"aos/kernel/hal/multiboot"
	"aos/kernel/kfmt/early"
	"aos/kernel/mem"
)

// BootMapLim bounds the region of physical memory that is identity-mapped
// by the kernel's initial page tables. Only memory below this limit can be
// handed to the buddy allocator before the kernel's own PML4 is active;
// everything at or above it is folded in by InitExtended, once paging no
// longer constrains which physical addresses the kernel can touch. The
// value matches the 8 MiB bootstrap window used by the end-to-end scenario
// this package's tests are grounded on.
const BootMapLim = uintptr(8 * mem.Mb)

var (
	errNoFreeMemory = &kernel.Error{Module: "pmm", Message: "no free memory reported by the boot loader"}

	// Allocator is the system-wide buddy allocator instance, populated by
	// Init/InitExtended. It is a process-wide singleton; the core assumes
	// single-threaded access to it and does no locking of its own.
	Allocator *AllocatorHandle
)

// AllocatorHandle bundles the registry and the buddy allocator operating
// over it so that package-level callers only need to track one value.
// Exported so that packages built on top of pmm (vmm's tests, in
// particular) can assemble one directly instead of going through the
// boot-only Init/InitExtended path.
type AllocatorHandle struct {
	Registry *Registry
	Buddy    *Allocator
}

// reservedRanges enumerates the physical regions that Init must never hand
// to the buddy allocator even though the boot memory map marks them free:
// address 0 (IVT/BIOS data), the multiboot info blob, the frame backing the
// ELF section header table the boot loader handed us, and the kernel image
// itself (which, by the time Init runs, also covers the bump-allocated
// frame registry -- see bootEnd below).
type reservedRanges struct {
	mbInfoFrame          Frame
	elfFrame             Frame
	hasElfFrame          bool
	kernelStart, bootEnd uintptr
}

func (r reservedRanges) isReserved(pa uintptr) bool {
	if pa == 0 {
		return true
	}
	if FrameFromAddress(pa) == r.mbInfoFrame {
		return true
	}
	if r.hasElfFrame && FrameFromAddress(pa) == r.elfFrame {
		return true
	}
	return pa >= r.kernelStart && pa < r.bootEnd
}

// Init seeds the frame registry and the buddy allocator's free lists from
// the boot-time memory map, restricted to the region below BootMapLim. It
// must run exactly once, early in boot, after multiboot.SetInfoPtr but
// before any page table beyond the bootloader-provided identity map is
// relied upon. kernelStart/kernelEnd bound the physical range occupied by
// the kernel image and are always treated as reserved.
//
// Call InitExtended afterwards, once the kernel's own PML4 is active, to
// fold in the rest of physical memory.
func Init(mbInfoAddr, kernelStart, kernelEnd uintptr) *kernel.Error {
	highest := uintptr(0)
	sawFree := false
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}
		sawFree = true
		if end := uintptr(region.PhysAddress + region.Length); end > highest {
			highest = end
		}
		return true
	})
	if !sawFree {
		return errNoFreeMemory
	}
	// The registry is bump-allocated exactly once (see bootAllocator), so
	// it is sized for the full extent of memory the boot loader reports,
	// not just the BootMapLim bootstrap window: frames above BootMapLim
	// are tracked from the start, they are just not handed to the buddy
	// allocator's free lists until InitExtended runs.
	frameCount := uint32(highest >> mem.PageShift)

	boot := newBootAllocator(kernelEnd)
	descBuf := boot.alloc(mem.Size(frameCount) * mem.Size(unsafe.Sizeof(descriptor{})))
	descHdr := reflect.SliceHeader{Data: uintptr(unsafe.Pointer(&descBuf[0])), Len: int(frameCount), Cap: int(frameCount)}
	descs := *(*[]descriptor)(unsafe.Pointer(&descHdr))

	reg := NewRegistry(Frame(0), descs)
	buddy := NewAllocator(reg)

	reserved := reservedRanges{
		mbInfoFrame: FrameFromAddress(alignDownToPage(mbInfoAddr)),
		kernelStart: kernelStart,
		bootEnd:     boot.end(),
	}
	if elfAddr, ok := multiboot.ElfSectionsAddr(); ok {
		reserved.elfFrame = FrameFromAddress(alignDownToPage(elfAddr))
		reserved.hasElfFrame = true
	}

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}
		regionPages := region.Length / uint64(mem.PageSize)
		for i := uint64(0); i < regionPages; i++ {
			pa := uintptr(region.PhysAddress) + uintptr(i)*uintptr(mem.PageSize)
			if pa >= BootMapLim {
				continue
			}
			if reserved.isReserved(pa) {
				continue
			}
			buddy.Free(FrameFromAddress(pa))
		}
		return true
	})

	Allocator = &AllocatorHandle{Registry: reg, Buddy: buddy}
	early.Printf("[pmm] init: %d frames tracked, %d pages free below %x\n", frameCount, buddy.TotalFreePages(), uint64(BootMapLim))
	return nil
}

// InitExtended folds in every free region at or above BootMapLim. It must
// be called after the kernel's initial PML4 has been installed and made
// active, since frames above BootMapLim are not covered by the bootstrap
// identity map.
func InitExtended() {
	if Allocator == nil {
		early.Printf("[pmm] init_extended: called before Init, skipping\n")
		return
	}

	before := Allocator.Buddy.TotalFreePages()
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}
		regionPages := region.Length / uint64(mem.PageSize)
		for i := uint64(0); i < regionPages; i++ {
			pa := uintptr(region.PhysAddress) + uintptr(i)*uintptr(mem.PageSize)
			if pa < BootMapLim {
				continue
			}
			if !Allocator.Registry.Contains(FrameFromAddress(pa)) {
				continue
			}
			Allocator.Buddy.Free(FrameFromAddress(pa))
		}
		return true
	})
	early.Printf("[pmm] init_extended: %d additional pages freed\n", Allocator.Buddy.TotalFreePages()-before)
}

func alignDownToPage(addr uintptr) uintptr {
	return uintptr(mem.AlignDown(uint64(addr), uint64(mem.PageSize)))
}
