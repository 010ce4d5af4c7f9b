package vmm

import (
	"aos/kernel/cpu"
	"aos/kernel/mem"
	"aos/kernel/mem/pmm"
)

// Reference counting note: BootMapRegion never touches ref_count (its
// mappings are permanent, boot-time, and outside the refcounting
// discipline Insert uses), so a huge entry's ref_count going into
// ptblSplit may legitimately be 0. ptblSplit and ptblMerge below carry
// whatever count entry 0 already holds across the huge <-> small
// transition rather than assuming it must be 1, and never let a
// transient decrement-to-zero return live memory to the free lists; see
// the rationale on pmm.Allocator.SetRefCount.

// ptblAlloc is a pre-descent callback that ensures an intermediate-level
// entry (PML4E, PDPTE or PDE) points at a present table, allocating and
// zeroing a fresh page-table frame on demand. An already-present entry is
// left untouched.
func ptblAlloc(e *PTE, rangeStart, rangeEnd uintptr, w *Walker) int {
	if e.HasFlags(FlagPresent) {
		return 0
	}

	f, ok := pmm.Allocator.Buddy.Alloc(0)
	if !ok {
		return -1
	}
	pmm.Allocator.Buddy.IncRef(f)

	tbl := tableAtFn(pmm.PhysMapBase + f.Address())
	for i := range tbl.entries {
		tbl.entries[i] = PTE(0)
	}

	*e = PTE(0)
	e.SetFrame(f)
	e.SetFlags(FlagPresent | FlagWrite | FlagUser)
	return 0
}

// ptblFree is a post-descent callback that releases an intermediate-level
// table once every one of its entries has gone absent. It is level-generic:
// the same function can serve as Pml4ePost, PdptePost or PdePost.
func ptblFree(e *PTE, rangeStart, rangeEnd uintptr, w *Walker) int {
	if !e.HasFlags(FlagPresent) || e.HasFlags(FlagHuge) {
		return 0
	}

	tbl := tableAtFn(pmm.PhysMapBase + e.Frame().Address())
	for i := 0; i < entriesPerTable; i++ {
		if tbl.entries[i].HasFlags(FlagPresent) {
			return 0
		}
	}

	pmm.Allocator.Buddy.DecRef(e.Frame())
	*e = PTE(0)
	return 0
}

// ptblSplit demotes a huge (2MiB) mapping to a full table of 512 4KiB
// mappings covering the same physical range, in place: the underlying
// memory is not copied, only the page-table structure changes. An entry
// that is not huge is handled by ptblAlloc instead, so ptblSplit is safe
// to use anywhere a PD-level pre-descent callback is expected.
func ptblSplit(e *PTE, rangeStart, rangeEnd uintptr, w *Walker) int {
	if !e.HasFlags(FlagHuge) {
		return ptblAlloc(e, rangeStart, rangeEnd, w)
	}

	hugeBase := e.Frame().Address()
	hugeCount := pmm.Allocator.Buddy.RefCount(pmm.FrameFromAddress(hugeBase))
	carryFlags := PTEFlag(uintptr(*e)&^ptePhysPageMask) &^ FlagHuge

	newTbl, ok := pmm.Allocator.Buddy.Alloc(0)
	if !ok {
		return -1
	}
	pmm.Allocator.Buddy.IncRef(newTbl)

	tbl := tableAtFn(pmm.PhysMapBase + newTbl.Address())
	for i := 0; i < entriesPerTable; i++ {
		sub := pmm.FrameFromAddress(hugeBase + uintptr(i)*uintptr(mem.PageSize))
		tbl.entries[i] = PTE(0)
		tbl.entries[i].SetFrame(sub)
		tbl.entries[i].SetFlags(carryFlags)
		// Entry 0 reuses the huge frame's own descriptor and already
		// carries whatever count the huge mapping held (0 for an
		// untracked boot mapping, 1 for one installed through Insert);
		// the other 511 frames were along for the ride as part of that
		// order-9 chunk and pick up the same count directly, rather
		// than incrementing from whatever stale value they hold, since
		// they were never individually referenced before now.
		if i > 0 {
			pmm.Allocator.Buddy.SetRefCount(sub, hugeCount)
		}
	}

	*e = PTE(0)
	e.SetFrame(newTbl)
	e.SetFlags(FlagPresent | FlagWrite | FlagUser)
	return 0
}

// ptblMerge promotes a PT whose 512 entries are all present, identically
// flagged, and back a physically contiguous, naturally aligned 2MiB range
// into a single huge PDE, reclaiming the table frame and the 511
// now-redundant descriptors. Anything short of that leaves the entry
// untouched: ptblMerge never partially merges.
func ptblMerge(e *PTE, rangeStart, rangeEnd uintptr, w *Walker) int {
	if e.HasFlags(FlagHuge) || !e.HasFlags(FlagPresent) {
		return 0
	}

	tblFrame := e.Frame()
	tbl := tableAtFn(pmm.PhysMapBase + tblFrame.Address())

	base := tbl.entries[0].Frame().Address()
	if base%uintptr(mem.HugePageSize) != 0 {
		return 0
	}
	flags0 := PTEFlag(uintptr(tbl.entries[0]) &^ ptePhysPageMask)

	for i := 0; i < entriesPerTable; i++ {
		ent := tbl.entries[i]
		if !ent.HasFlags(FlagPresent) {
			return 0
		}
		if PTEFlag(uintptr(ent)&^ptePhysPageMask) != flags0 {
			return 0
		}
		if ent.Frame().Address() != base+uintptr(i)*uintptr(mem.PageSize) {
			return 0
		}
	}

	// All 512 small mappings collapse back into the frame that entry 0
	// already describes; the other 511 descriptors stop being
	// individually referenced, but the memory they cover is still live
	// (now owned by the huge mapping), so their counts are cleared
	// directly rather than run through DecRef's auto-free path.
	for i := 1; i < entriesPerTable; i++ {
		sub := pmm.FrameFromAddress(base + uintptr(i)*uintptr(mem.PageSize))
		pmm.Allocator.Buddy.SetRefCount(sub, 0)
	}
	pmm.Allocator.Buddy.DecRef(tblFrame)

	*e = PTE(0)
	e.SetFrame(pmm.FrameFromAddress(base))
	e.SetFlags(flags0 | FlagHuge | FlagPresent)
	return 0
}

// insertCtx threads the frame and flags an Insert call is installing
// through to the leaf-level callback.
type insertCtx struct {
	page  pmm.Frame
	flags PTEFlag
}

func insertLeaf(e *PTE, page pmm.Frame, flags PTEFlag, va uintptr) {
	if e.HasFlags(FlagPresent) {
		old := e.Frame()
		if old == page {
			// Re-inserting the same page at the same address must be a
			// net no-op: leave the existing reference and entry alone.
			return
		}
		pmm.Allocator.Buddy.DecRef(old)
		cpu.FlushTLBEntry(va)
	}

	pmm.Allocator.Buddy.IncRef(page)
	*e = PTE(0)
	e.SetFrame(page)
	e.SetFlags(flags | FlagPresent)
}

// Insert maps page at va with the given flags, allocating any
// intermediate page-table levels on demand. It returns -1 if va is not
// aligned to the mapping's page size (4KiB, or 2MiB when flags includes
// FlagHuge), or if a table allocation fails along the way; it returns 0
// on success. Mapping an already-present va drops the previous frame's
// reference and then flushes the TLB entry for va before taking up the
// new one, except when the new mapping targets the same frame, which is a
// no-op.
func Insert(pml4 pmm.Frame, page pmm.Frame, va uintptr, flags PTEFlag) int {
	huge := flags&FlagHuge != 0
	align := uintptr(mem.PageSize)
	if huge {
		align = uintptr(mem.HugePageSize)
	}
	if va%align != 0 {
		return -1
	}

	ctx := &insertCtx{page: page, flags: flags}
	w := &Walker{
		Pml4eCB: ptblAlloc,
		PdpteCB: ptblAlloc,
		Udata:   ctx,
	}
	if huge {
		w.PdeCB = func(e *PTE, rangeStart, rangeEnd uintptr, w *Walker) int {
			insertLeaf(e, ctx.page, ctx.flags, rangeStart)
			return 0
		}
	} else {
		w.PdeCB = ptblAlloc
		w.PteCB = func(e *PTE, rangeStart, rangeEnd uintptr, w *Walker) int {
			insertLeaf(e, ctx.page, ctx.flags, rangeStart)
			return 0
		}
	}

	return WalkPageRange(pml4, va, va+uintptr(align), w)
}

// bootMapCtx threads the region a BootMapRegion call is installing
// through to the PD- and PT-level callbacks.
type bootMapCtx struct {
	va0, pa0 uintptr
	flags    PTEFlag
}

// BootMapRegion installs a fixed mapping of [va, va+size) to the
// physical range starting at pa, carrying flags. It is meant for
// mappings that live for the lifetime of the kernel (the initial
// identity map, the kernel image itself) and, like the primitive it is
// modeled on, never touches ref_count: these are static mappings outside
// the refcounting discipline Insert uses, so the frames involved may
// well also be sitting on the buddy allocator's own free lists at the
// same time. An existing leaf mapping at a target address is overwritten
// (BootMapKernel relies on this to remap the kernel image over the front
// of its wider boot window). When flags includes FlagHuge and a given 2MiB-aligned
// slice of the region lines up exactly with a PD entry, that entry is
// stamped directly; otherwise 4KiB granularity is reached by allocating a
// fresh table, demoting a pre-existing huge entry via ptblSplit first if
// this call's range only partially overlaps it.
func BootMapRegion(pml4 pmm.Frame, va uintptr, size mem.Size, pa uintptr, flags PTEFlag) int {
	ctx := &bootMapCtx{va0: va, pa0: pa, flags: flags}
	w := &Walker{
		Pml4eCB: ptblAlloc,
		PdpteCB: ptblAlloc,
		Udata:   ctx,
	}
	w.PdeCB = func(e *PTE, rangeStart, rangeEnd uintptr, w *Walker) int {
		entryPa := ctx.pa0 + (rangeStart - ctx.va0)
		fullHuge := rangeEnd-rangeStart == uintptr(mem.HugePageSize) && rangeStart%uintptr(mem.HugePageSize) == 0
		if ctx.flags&FlagHuge != 0 && fullHuge {
			f := pmm.FrameFromAddress(entryPa)
			*e = PTE(0)
			e.SetFrame(f)
			e.SetFlags((ctx.flags &^ FlagHuge) | FlagHuge | FlagPresent)
			return 0
		}
		// Fall through to 4KiB granularity, demoting a pre-existing huge
		// entry via ptblSplit if this call's range only partially
		// overlaps it; ptblSplit itself degrades to ptblAlloc for an
		// absent or already-small entry, so this covers every case.
		return ptblSplit(e, rangeStart, rangeEnd, w)
	}
	w.PteCB = func(e *PTE, rangeStart, rangeEnd uintptr, w *Walker) int {
		entryPa := ctx.pa0 + (rangeStart - ctx.va0)
		f := pmm.FrameFromAddress(entryPa)
		*e = PTE(0)
		e.SetFrame(f)
		e.SetFlags((ctx.flags &^ FlagHuge) | FlagPresent)
		return 0
	}

	return WalkPageRange(pml4, va, va+uintptr(size), w)
}
