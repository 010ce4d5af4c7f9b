// Package kmain wires together the boot-time initialization sequence for
// the memory core: frame registry and buddy allocator, kernel page tables,
// and the extended free-list population that only becomes safe once those
// page tables are active.
package kmain

import (
	"aos/kernel"
	"aos/kernel/hal/multiboot"
	"aos/kernel/mem/pmm"
	"aos/kernel/mem/vmm"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// Kmain is the Go entry point invoked by the rt0 assembly stub once it has
// set up a minimal stack. multibootInfoPtr, kernelStart and kernelEnd are
// physical addresses supplied by that stub. Kmain is not expected to
// return; if it does, the caller halts the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	var err *kernel.Error
	if err = pmm.Init(multibootInfoPtr, kernelStart, kernelEnd); err != nil {
		kernel.Panic(err)
	} else if err = vmm.Init(kernelStart, kernelEnd); err != nil {
		kernel.Panic(err)
	}
	pmm.InitExtended()

	kernel.Panic(errKmainReturned)
}
