package pmm

import "testing"

func TestReservedRangesIsReserved(t *testing.T) {
	r := reservedRanges{
		mbInfoFrame: Frame(7),
		elfFrame:    Frame(9),
		hasElfFrame: true,
		kernelStart: 0x100000,
		bootEnd:     0x200000,
	}

	specs := []struct {
		pa  uintptr
		exp bool
	}{
		{0x0, true},                 // address 0 is always reserved
		{Frame(7).Address(), true},  // the multiboot info frame
		{Frame(9).Address(), true},  // the ELF section header table frame
		{0x100000, true},            // start of kernel image
		{0x1fffff, true},            // still inside [kernelStart, bootEnd)
		{0x200000, false},           // bootEnd itself is no longer reserved
		{Frame(8).Address(), false}, // an unrelated frame
	}

	for specIndex, spec := range specs {
		if got := r.isReserved(spec.pa); got != spec.exp {
			t.Errorf("[spec %d] expected isReserved(%x) to return %t; got %t", specIndex, spec.pa, spec.exp, got)
		}
	}
}

func TestReservedRangesWithoutElfFrame(t *testing.T) {
	r := reservedRanges{
		mbInfoFrame: Frame(7),
		kernelStart: 0x100000,
		bootEnd:     0x200000,
	}

	// hasElfFrame is false (the boot loader supplied no ELF-symbols tag), so
	// an address inside frame 0 other than the always-reserved address 0
	// must not be treated as reserved just because frame 0 equals the zero
	// value of the unset elfFrame field.
	if got := r.isReserved(0x500); got {
		t.Fatal("expected a non-zero address in frame 0 to not be reserved via elfFrame when hasElfFrame is false")
	}
}
