package pmm

import "testing"

func TestRegistryAddressing(t *testing.T) {
	reg := NewRegistry(Frame(4), make([]descriptor, 16))

	if got, exp := reg.Len(), 16; got != exp {
		t.Fatalf("expected Len() to report %d; got %d", exp, got)
	}

	specs := []struct {
		frame Frame
		inReg bool
	}{
		{Frame(0), false},
		{Frame(3), false},
		{Frame(4), true},
		{Frame(19), true},
		{Frame(20), false},
	}

	for specIndex, spec := range specs {
		if got := reg.Contains(spec.frame); got != spec.inReg {
			t.Errorf("[spec %d] expected Contains(%d) to return %t; got %t", specIndex, spec.frame, spec.inReg, got)
		}
	}

	idx := reg.PaToDesc(Frame(10).Address())
	if exp := uint32(6); idx != exp {
		t.Errorf("expected PaToDesc to return index %d; got %d", exp, idx)
	}

	if got, exp := reg.DescToPa(idx), Frame(10).Address(); got != exp {
		t.Errorf("expected DescToPa(%d) to round-trip to %x; got %x", idx, exp, got)
	}

	if got, exp := reg.DescToKva(idx), PhysMapBase+Frame(10).Address(); got != exp {
		t.Errorf("expected DescToKva(%d) to equal %x; got %x", idx, exp, got)
	}
}
