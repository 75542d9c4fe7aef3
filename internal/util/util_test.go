package util

import "testing"

func TestRoundupRounddown(t *testing.T) {
	if Roundup(4097, 4096) != 8192 {
		t.Fatal("Roundup")
	}
	if Rounddown(4097, 4096) != 4096 {
		t.Fatal("Rounddown")
	}
	if !Aligned(8192, 4096) || Aligned(4097, 4096) {
		t.Fatal("Aligned")
	}
}

func TestMin(t *testing.T) {
	if Min(3, 5) != 3 || Min(uint32(9), uint32(2)) != 2 {
		t.Fatal("Min")
	}
}
