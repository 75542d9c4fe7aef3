package progtab

import (
	"testing"

	"pebble/internal/kerrors"
	"pebble/internal/vmm"
)

func TestLookupHitAndMiss(t *testing.T) {
	tb := New([]Program{
		{Name: "init", Segments: []vmm.SegmentDescriptor{{VA: 0x1000000, Len: vmm.PageSize}}, EntryPoint: 0x1000000},
	})

	p, err := tb.Lookup("init")
	if err != kerrors.OK {
		t.Fatalf("Lookup(init): %v", err)
	}
	if p.EntryPoint != 0x1000000 {
		t.Fatalf("EntryPoint = %x", p.EntryPoint)
	}

	if _, err := tb.Lookup("missing"); err != kerrors.NOTAVAIL {
		t.Fatalf("Lookup(missing) = %v, want NOTAVAIL", err)
	}
}

func TestValidateRejectsEmptyName(t *testing.T) {
	p := Program{Name: ""}
	if p.Validate() != kerrors.INVAL {
		t.Fatal("expected INVAL for empty name")
	}
}

func TestNewSkipsInvalidPrograms(t *testing.T) {
	tb := New([]Program{{Name: ""}})
	if _, err := tb.Lookup(""); err != kerrors.NOTAVAIL {
		t.Fatal("invalid program should not be indexed")
	}
}
