package kerrors

import "testing"

func TestOk(t *testing.T) {
	if !OK.Ok() {
		t.Fatal("OK should report Ok() true")
	}
	for _, e := range []Err{FAILURE, INVAL, BUSY, NOMEM, NOTAVAIL, BIG} {
		if e.Ok() {
			t.Fatalf("%d should not report Ok() true", e)
		}
		if e.Error() == "" {
			t.Fatalf("%d should have a non-empty message", e)
		}
	}
}
