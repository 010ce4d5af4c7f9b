package vmm

import "aos/kernel/mem/pmm"

// EntryCB is invoked by the Walker for a single page-table entry. e points
// directly at the live entry and may be mutated in place (e.g. to install a
// new table or a mapping). rangeStart/rangeEnd bound the portion of the
// requested walk that this entry covers. A negative return value aborts the
// entire walk; the value is propagated back to the WalkPageRange caller.
type EntryCB func(e *PTE, rangeStart, rangeEnd uintptr, w *Walker) int

// Walker bundles the optional callbacks that drive a page-table range walk.
// Every field is optional; a nil callback is simply skipped. The same
// traversal skeleton (see WalkPageRange) implements insertion, boot
// mapping, huge-page splitting and merging, and page-table garbage
// collection purely by swapping in a different callback bag -- the walker
// owns iteration, the caller owns semantics.
type Walker struct {
	// Pml4eCB, PdpteCB, PdeCB, PteCB run before descending into (or past)
	// an entry at their level, regardless of whether it is present.
	Pml4eCB, PdpteCB, PdeCB, PteCB EntryCB

	// Pml4ePost, PdptePost, PdePost run for every entry that was present
	// after its pre-descent callback, once the subtree beneath it (if it
	// is not huge) has been fully walked; a huge entry gets its post
	// callback too. There is no PT-level post callback since the PT is the
	// leaf level.
	Pml4ePost, PdptePost, PdePost EntryCB

	// HoleCB runs for any entry, at any level, that is not present after
	// its level's pre-descent callback has had a chance to run (so a
	// pre-descent callback that installs a table on demand, such as the
	// one ptbl_alloc provides, suppresses HoleCB for that entry).
	HoleCB EntryCB

	// Udata is an opaque payload threaded through to every callback.
	Udata interface{}
}

func (w *Walker) callbacksFor(l level) (pre, post EntryCB) {
	switch l {
	case levelPML4:
		return w.Pml4eCB, w.Pml4ePost
	case levelPDPT:
		return w.PdpteCB, w.PdptePost
	case levelPD:
		return w.PdeCB, w.PdePost
	default:
		return w.PteCB, nil
	}
}

// WalkPageRange walks the page-table rooted at pml4 over the virtual
// address range [base, end), invoking w's callbacks at each level. It
// returns 0 on a complete walk, or the first negative code returned by any
// callback, which aborts the remainder of the walk.
func WalkPageRange(pml4 pmm.Frame, base, end uintptr, w *Walker) int {
	base, end = signExtend(base), signExtend(end)
	if base >= end {
		return 0
	}
	return walkLevel(pml4, levelPML4, base, end, w)
}

func walkLevel(tableFrame pmm.Frame, l level, base, end uintptr, w *Walker) int {
	tbl := tableAtFn(pmm.PhysMapBase + tableFrame.Address())
	pre, post := w.callbacksFor(l)

	for cursor := base; cursor < end; {
		idx := indexAt(cursor, l)
		span := uintptr(levelSpan[l])
		entryEnd := (cursor &^ (span - 1)) + span
		// The top-level entry covering the last slice of the address
		// space has a nominal end of 2^64, which wraps a uintptr to 0;
		// treat that as "end of representable address space" instead
		// of looping back to address 0.
		overflowed := entryEnd <= cursor
		rangeEnd := entryEnd
		if overflowed || end < rangeEnd {
			rangeEnd = end
		}
		rangeStart := cursor
		e := &tbl.entries[idx]

		if pre != nil {
			if rc := pre(e, rangeStart, rangeEnd, w); rc < 0 {
				return rc
			}
		}

		present := e.HasFlags(FlagPresent)
		switch {
		case !present:
			if w.HoleCB != nil {
				if rc := w.HoleCB(e, rangeStart, rangeEnd, w); rc < 0 {
					return rc
				}
			}
		case l != levelPT && !e.HasFlags(FlagHuge):
			if rc := walkLevel(e.Frame(), l+1, rangeStart, rangeEnd, w); rc < 0 {
				return rc
			}
		}

		if present && post != nil {
			if rc := post(e, rangeStart, rangeEnd, w); rc < 0 {
				return rc
			}
		}

		if overflowed {
			break
		}
		cursor = entryEnd
	}
	return 0
}

// Canonical ranges used by the convenience wrappers below. UserLim is the
// top of the canonical lower half, the boundary past which user mode may
// neither read nor write. KernelVMA is the virtual base the kernel image is
// linked at; KernelLim bounds the portion of the upper canonical half this
// walker will ever traverse on the kernel's behalf.
const (
	UserLim   = uintptr(0x0000800000000000)
	KernelVMA = uintptr(0xffffffff80000000)
	KernelLim = uintptr(0xfffffffffffff000)
)

// AllPages walks the full range [0, KernelLim) of the address space.
func AllPages(pml4 pmm.Frame, w *Walker) int {
	return WalkPageRange(pml4, 0, KernelLim, w)
}

// UserPages walks the user-accessible range [0, UserLim).
func UserPages(pml4 pmm.Frame, w *Walker) int {
	return WalkPageRange(pml4, 0, UserLim, w)
}

// KernelPages walks the kernel image's range [KernelVMA, KernelLim).
func KernelPages(pml4 pmm.Frame, w *Walker) int {
	return WalkPageRange(pml4, KernelVMA, KernelLim, w)
}
