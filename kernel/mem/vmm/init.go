package vmm

import (
	"aos/kernel"
	"aos/kernel/cpu"
	"aos/kernel/mem"
	"aos/kernel/mem/pmm"
)

var errPml4AllocFailed = &kernel.Error{Module: "vmm", Message: "failed to allocate the root PML4 frame"}

// KernelPML4 is the frame backing the kernel's own top-level page table,
// set up by Init and active from then on.
var KernelPML4 pmm.Frame

// Init builds the kernel's permanent page tables and switches to them. It
// must run after pmm.Init (so the buddy allocator has frames to hand out)
// and before pmm.InitExtended (whose free-list population touches physical
// memory outside the bootstrap identity map that Init establishes here).
//
// The low pmm.BootMapLim window is identity-mapped so the kernel can keep
// addressing boot-time structures (the frame registry, the multiboot
// blob) by their physical address. BootMapKernel then maps a window of the
// same size, starting at physical address kernelStart, at KernelVMA,
// matching the higher-half link address the kernel is built for, and maps
// the kernel image within it a second time so it is both writable and
// executable.
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	pml4, ok := pmm.Allocator.Buddy.Alloc(pmm.FlagZero)
	if !ok {
		return errPml4AllocFailed
	}
	pmm.Allocator.Buddy.IncRef(pml4)
	KernelPML4 = pml4

	cpu.EnableNXE()

	BootMapRegion(pml4, 0, mem.Size(pmm.BootMapLim), 0, FlagWrite)
	BootMapKernel(pml4, kernelStart, kernelEnd)

	cpu.SwitchPDT(pml4.Address())
	return nil
}

// BootMapKernel first maps the whole pmm.BootMapLim window of physical
// memory starting at kernelStart to KernelVMA, writable and non-executable,
// then maps the kernel image itself, [kernelStart, kernelEnd), over the
// front of that same window a second time, writable and executable. This
// package does not parse the kernel's ELF program headers, so the image is
// mapped as a single writable+executable range rather than per-segment
// W^X; a loader that wants that can replace the second BootMapRegion call
// below with one call per PT_LOAD segment using the same primitive.
func BootMapKernel(pml4 pmm.Frame, kernelStart, kernelEnd uintptr) {
	BootMapRegion(pml4, KernelVMA, mem.Size(pmm.BootMapLim), kernelStart, FlagWrite|FlagNoExecute)

	size := mem.Size(mem.Align(uint64(kernelEnd-kernelStart), uint64(mem.PageSize)))
	BootMapRegion(pml4, KernelVMA, size, kernelStart, FlagWrite)
}
