package swexn

import (
	"testing"

	"pebble/internal/kerrors"
	"pebble/internal/kthread"
)

func TestInstallThenDeregister(t *testing.T) {
	task := &kthread.Task{}
	if _, err := Install(task, 0x8000, 0x4000, 0x1234, nil); err != kerrors.OK {
		t.Fatalf("Install: %v", err)
	}
	if !task.Swexn.Installed {
		t.Fatal("expected handler installed")
	}
	if _, err := Install(task, 0, 0, 0, nil); err != kerrors.OK {
		t.Fatalf("deregister: %v", err)
	}
	if task.Swexn.Installed {
		t.Fatal("expected handler deregistered")
	}
}

func TestInstallRejectsBadEflags(t *testing.T) {
	task := &kthread.Task{}
	// No newureg: nothing to validate.
	if _, err := Install(task, 0x8000, 0x4000, 0, nil); err != kerrors.OK {
		t.Fatalf("Install: %v", err)
	}
	// IF clear (and IOPL nonzero).
	if _, err := Install(task, 0x8000, 0x4000, 0, &Ureg{EFLAGS: 1 << 12}); err != kerrors.INVAL {
		t.Fatalf("expected INVAL for IF clear, got %v", err)
	}
}

func TestDeliverOneShot(t *testing.T) {
	task := &kthread.Task{}
	Install(task, 0x8000, 0x4000, 0xAB, nil)

	inv, ok := Deliver(task, CausePagefault, 0x1000, Ureg{CR2: 0x2000})
	if !ok {
		t.Fatal("expected handler delivery")
	}
	if inv.HandlerEIP != 0x4000 || inv.FrameBase != 0x8000 || inv.Arg != 0xAB {
		t.Fatalf("inv = %+v", inv)
	}
	if inv.Ureg.Cause != CausePagefault || inv.Ureg.EIP != 0x1000 {
		t.Fatalf("ureg = %+v", inv.Ureg)
	}
	if task.Swexn.Installed {
		t.Fatal("handler should be cleared after one delivery")
	}

	if _, ok := Deliver(task, CausePagefault, 0x1000, Ureg{}); ok {
		t.Fatal("second delivery should find no handler installed")
	}
}
