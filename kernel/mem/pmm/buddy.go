package pmm

import (
	"aos/kernel/kfmt/early"
	"aos/kernel/mem"
)

// AllocFlag selects optional behaviour for Allocator.Alloc.
type AllocFlag uint8

const (
	// FlagZero requests that the returned chunk be zero-filled before
	// Alloc returns.
	FlagZero AllocFlag = 1 << iota

	// FlagHuge requests a chunk of mem.HugeOrder (2 MiB) instead of a
	// single base page.
	FlagHuge
)

// Allocator is a buddy page allocator operating over a Registry. It
// maintains one free list per order in [0, mem.MaxOrder); each list holds
// exactly the frames that are currently free at that order, linked through
// indices into the backing registry rather than pointers.
type Allocator struct {
	reg  *Registry
	head [mem.MaxOrder]uint32
	tail [mem.MaxOrder]uint32
	len  [mem.MaxOrder]uint32
}

// NewAllocator creates a buddy allocator over reg. All free lists start
// empty; callers populate them by calling Free for every frame that the
// boot-time memory map reports as available (see Init in init.go).
func NewAllocator(reg *Registry) *Allocator {
	a := &Allocator{reg: reg}
	for order := range a.head {
		a.head[order] = noLink
		a.tail[order] = noLink
	}
	return a
}

func (a *Allocator) pushHead(order mem.PageOrder, idx uint32) {
	d := &a.reg.descs[idx]
	d.prev = noLink
	d.next = a.head[order]
	if a.head[order] != noLink {
		a.reg.descs[a.head[order]].prev = idx
	}
	a.head[order] = idx
	if a.tail[order] == noLink {
		a.tail[order] = idx
	}
	a.len[order]++
}

func (a *Allocator) remove(order mem.PageOrder, idx uint32) {
	d := &a.reg.descs[idx]
	if d.prev != noLink {
		a.reg.descs[d.prev].next = d.next
	} else {
		a.head[order] = d.next
	}
	if d.next != noLink {
		a.reg.descs[d.next].prev = d.prev
	} else {
		a.tail[order] = d.prev
	}
	d.prev, d.next = noLink, noLink
	a.len[order]--
}

func (a *Allocator) popTail(order mem.PageOrder) (uint32, bool) {
	idx := a.tail[order]
	if idx == noLink {
		return 0, false
	}
	a.remove(order, idx)
	return idx, true
}

// Alloc reserves a chunk of the requested size (one base page, or
// mem.HugeOrder pages if FlagHuge is set) and returns it with free=false,
// ref_count=0. The caller becomes responsible for incrementing ref_count
// once the frame is published into a page table. Alloc returns
// (InvalidFrame, false) on exhaustion; it never panics.
func (a *Allocator) Alloc(flags AllocFlag) (Frame, bool) {
	order := mem.PageOrder(0)
	if flags&FlagHuge != 0 {
		order = mem.HugeOrder
	}

	foundOrder := order
	var idx uint32
	ok := false
	for ; foundOrder < mem.MaxOrder; foundOrder++ {
		if idx, ok = a.popTail(foundOrder); ok {
			break
		}
	}
	if !ok {
		return InvalidFrame, false
	}

	// Split the chunk down to the requested order, handing the unused
	// half back to the free list at each step.
	for curOrder := foundOrder; curOrder > order; {
		curOrder--
		buddyPa := a.reg.DescToPa(idx) ^ uintptr(curOrder.Size())
		buddyIdx := a.reg.PaToDesc(buddyPa)
		bd := &a.reg.descs[buddyIdx]
		bd.free = true
		bd.order = curOrder
		a.pushHead(curOrder, buddyIdx)
	}

	d := &a.reg.descs[idx]
	d.free = false
	d.order = order
	d.refCount = 0

	frame := a.reg.frameAt(idx)
	if flags&FlagZero != 0 {
		mem.Memset(a.reg.DescToKva(idx), 0, order.Size())
	}
	return frame, true
}

// Free returns a chunk to the allocator. Free requires ref_count == 0; a
// caller that violates this has a bug, and this is reported as a
// diagnostic rather than treated as fatal, per the no-panic-in-release
// error policy this package follows. Free attempts buddy coalescing up to
// mem.MaxOrder-1 before inserting the final chunk into its free list.
func (a *Allocator) Free(f Frame) {
	if !a.reg.Contains(f) {
		early.Printf("[pmm] free: frame %d is outside the tracked registry, skipping\n", uint64(f))
		return
	}

	idx := a.reg.indexOf(f)
	d := &a.reg.descs[idx]
	if d.free {
		early.Printf("[pmm] free: frame %d is already free, skipping\n", uint64(f))
		return
	}
	if d.refCount != 0 {
		early.Printf("[pmm] free: frame %d freed with ref_count=%d, skipping\n", uint64(f), d.refCount)
		return
	}

	d.free = true
	pa := a.reg.DescToPa(idx)

	for d.order < mem.MaxOrder-1 {
		buddyPa := pa ^ uintptr(d.order.Size())
		buddyFrame := FrameFromAddress(buddyPa)
		if !a.reg.Contains(buddyFrame) {
			break
		}
		buddyIdx := a.reg.indexOf(buddyFrame)
		bd := &a.reg.descs[buddyIdx]
		if !bd.free || bd.order != d.order {
			break
		}

		a.remove(d.order, buddyIdx)
		d.free, bd.free = false, false

		if buddyPa < pa {
			idx, pa = buddyIdx, buddyPa
			d = bd
		}
		d.order++
		d.free = true
	}

	a.pushHead(d.order, idx)
}

// DecRef decrements a frame's reference count, freeing it once the count
// reaches zero. A descriptor whose ref_count is already zero indicates a
// double dec_ref and is reported rather than allowed to underflow.
func (a *Allocator) DecRef(f Frame) {
	if !a.reg.Contains(f) {
		early.Printf("[pmm] dec_ref: frame %d is outside the tracked registry, skipping\n", uint64(f))
		return
	}

	idx := a.reg.indexOf(f)
	d := &a.reg.descs[idx]
	if d.refCount == 0 {
		early.Printf("[pmm] dec_ref: frame %d already has ref_count=0, skipping\n", uint64(f))
		return
	}

	d.refCount--
	if d.refCount == 0 {
		a.Free(f)
	}
}

// IncRef increments a frame's reference count. Callers publish a freshly
// allocated frame into a page table and then call IncRef; Alloc itself
// only resets ref_count to 0 and never increments it.
func (a *Allocator) IncRef(f Frame) {
	idx := a.reg.indexOf(f)
	a.reg.descs[idx].refCount++
}

// RefCount returns the current reference count of f.
func (a *Allocator) RefCount(f Frame) uint32 {
	return a.reg.descs[a.reg.indexOf(f)].refCount
}

// SetRefCount assigns a frame's reference count directly, bypassing the
// auto-free that DecRef performs when a count reaches zero. It exists for
// vmm's ptbl_split/ptbl_merge: when a huge mapping is demoted to (or
// re-composed from) 512 small mappings, the frames involved stay resident
// the whole time -- only the bookkeeping of which descriptor tracks them
// changes -- so retiring a descriptor's count must never risk invoking
// Free on memory that is still live.
func (a *Allocator) SetRefCount(f Frame, n uint32) {
	a.reg.descs[a.reg.indexOf(f)].refCount = n
}

// CountFree returns the number of chunks currently on the free list for the
// given order.
func (a *Allocator) CountFree(order mem.PageOrder) uint64 {
	return uint64(a.len[order])
}

// TotalFreePages returns the total number of base pages across all free
// lists, i.e. Σ len(list[k]) * 2^k.
func (a *Allocator) TotalFreePages() uint64 {
	var total uint64
	for order := mem.PageOrder(0); order < mem.MaxOrder; order++ {
		total += uint64(a.len[order]) * order.Pages()
	}
	return total
}

// DumpFreeLists prints a per-order summary of the free lists, mirroring the
// diagnostic dump the buddy allocator this package is modeled on provides
// for operator visibility.
func (a *Allocator) DumpFreeLists() {
	early.Printf("[pmm] buddy free lists:\n")
	for order := mem.PageOrder(0); order < mem.MaxOrder; order++ {
		early.Printf("\torder %d: %d chunks (%d pages)\n", uint8(order), a.len[order], uint64(a.len[order])*order.Pages())
	}
	early.Printf("[pmm] total free pages: %d\n", a.TotalFreePages())
}
