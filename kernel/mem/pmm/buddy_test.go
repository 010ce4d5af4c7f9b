package pmm

import (
	"testing"

	"aos/kernel/mem"
)

// newTestAllocator builds an Allocator over a registry of count frames,
// all initially reserved (neither free nor referenced), mirroring the
// state a freshly bump-allocated registry starts in before Init frees
// anything into it.
func newTestAllocator(count int) *Allocator {
	reg := NewRegistry(Frame(0), make([]descriptor, count))
	return NewAllocator(reg)
}

func TestBuddyAllocFreeRoundTrip(t *testing.T) {
	const poolFrames = 1024 // 4MiB pool

	a := newTestAllocator(poolFrames)
	for i := 0; i < poolFrames; i++ {
		a.Free(Frame(i))
	}

	if got, exp := a.TotalFreePages(), uint64(poolFrames); got != exp {
		t.Fatalf("expected %d free pages after seeding the pool; got %d", exp, got)
	}

	// Requesting 1025 order-0 frames: the 1024th succeeds, the 1025th
	// must fail since the pool is now exhausted.
	var allocated []Frame
	for i := 0; i < poolFrames; i++ {
		f, ok := a.Alloc(0)
		if !ok {
			t.Fatalf("[frame %d] expected allocation to succeed", i)
		}
		allocated = append(allocated, f)
	}

	if _, ok := a.Alloc(0); ok {
		t.Fatal("expected the 1025th allocation from a 1024-frame pool to fail")
	}

	if got, exp := a.TotalFreePages(), uint64(0); got != exp {
		t.Fatalf("expected 0 free pages once the pool is exhausted; got %d", got)
	}

	// Freeing all frames back in reverse order should coalesce the pool
	// back into the largest representable chunks.
	for i := len(allocated) - 1; i >= 0; i-- {
		a.Free(allocated[i])
	}

	if got, exp := a.TotalFreePages(), uint64(poolFrames); got != exp {
		t.Fatalf("expected %d free pages after freeing everything; got %d", exp, got)
	}

	// 1024 frames collapse into two order-(MaxOrder-1) chunks, since
	// merging stops one short of MaxOrder.
	topOrder := mem.MaxOrder - 1
	if got, exp := a.CountFree(topOrder), uint64(2); got != exp {
		t.Fatalf("expected 2 chunks at order %d; got %d", topOrder, got)
	}
	for order := mem.PageOrder(0); order < topOrder; order++ {
		if got := a.CountFree(order); got != 0 {
			t.Errorf("expected order %d free list to be empty after full coalescing; got %d entries", order, got)
		}
	}
}

func TestBuddyNoBuddiesOnSameList(t *testing.T) {
	const poolFrames = 64

	a := newTestAllocator(poolFrames)
	for i := 0; i < poolFrames; i++ {
		a.Free(Frame(i))
	}

	// After seeding a power-of-two pool that starts frame-aligned at 0,
	// no two chunks on any one order's free list should be buddies of
	// each other; if any pair were, they would already have been merged.
	for order := mem.PageOrder(0); order < mem.MaxOrder; order++ {
		seen := map[uintptr]bool{}
		idx := a.head[order]
		for idx != noLink {
			pa := a.reg.DescToPa(idx)
			buddyPa := pa ^ uintptr(order.Size())
			if seen[buddyPa] {
				t.Errorf("order %d free list contains an unmerged buddy pair at pa=%x", order, pa)
			}
			seen[pa] = true
			idx = a.reg.descs[idx].next
		}
	}
}

func TestBuddySplitOnAlloc(t *testing.T) {
	a := newTestAllocator(8)
	a.reg.descs[0].free = true
	a.reg.descs[0].order = mem.PageOrder(3)
	a.pushHead(mem.PageOrder(3), 0) // one order-3 chunk covering all 8 frames

	f, ok := a.Alloc(0)
	if !ok || f != Frame(0) {
		t.Fatalf("expected the first order-0 allocation to return frame 0; got %d, ok=%t", f, ok)
	}

	// Splitting order 3 down to order 0 leaves one chunk behind at each
	// of orders 0, 1 and 2: frames 1, 2-3 and 4-7.
	if got, exp := a.CountFree(0), uint64(1); got != exp {
		t.Errorf("expected 1 free chunk at order 0; got %d", got)
	}
	if got, exp := a.CountFree(1), uint64(1); got != exp {
		t.Errorf("expected 1 free chunk at order 1; got %d", got)
	}
	if got, exp := a.CountFree(2), uint64(1); got != exp {
		t.Errorf("expected 1 free chunk at order 2; got %d", got)
	}
	if got, exp := a.TotalFreePages(), uint64(7); got != exp {
		t.Errorf("expected 7 free pages remaining after allocating 1 of 8; got %d", got)
	}
}

func TestBuddyRefCounting(t *testing.T) {
	a := newTestAllocator(4)
	a.Free(Frame(0))

	f, ok := a.Alloc(0)
	if !ok {
		t.Fatal("expected allocation to succeed")
	}

	a.IncRef(f)
	a.IncRef(f)
	if got, exp := a.RefCount(f), uint32(2); got != exp {
		t.Fatalf("expected ref_count to be %d; got %d", exp, got)
	}

	a.DecRef(f)
	if a.TotalFreePages() != 0 {
		t.Fatal("expected frame to remain allocated while ref_count > 0")
	}

	a.DecRef(f)
	if got, exp := a.TotalFreePages(), uint64(1); got != exp {
		t.Fatalf("expected dec_ref to free the frame once ref_count reaches 0; got %d free pages", got)
	}
}

func TestBuddyFreeWithNonZeroRefCountIsRejected(t *testing.T) {
	a := newTestAllocator(2)
	a.Free(Frame(0))

	f, _ := a.Alloc(0)
	a.IncRef(f)

	a.Free(f) // programmer error: must be diagnosed, not applied

	if a.TotalFreePages() != 0 {
		t.Fatal("expected Free to refuse a frame with a nonzero ref_count")
	}
}
