package udriver

import (
	"testing"

	"pebble/internal/kerrors"
)

func newTestRegistry() *Registry {
	dt := PermissionTable{
		{ID: 0, PortRegions: []PortRegion{{Base: 0x60, Len: 1}}},
	}
	return NewRegistry(dt, DefaultServerTable, nil)
}

func TestRegisterHardwareDevice(t *testing.T) {
	reg := newTestRegistry()
	id, err := reg.Register(100, 0, 0x60, 1)
	if err != kerrors.OK || id != 0 {
		t.Fatalf("Register: id=%v err=%v", id, err)
	}
	// Re-registering the same id should fail.
	if _, err := reg.Register(200, 0, 0x60, 1); err == kerrors.OK {
		t.Fatal("expected re-registration of a taken id to fail")
	}
}

func TestRegisterRejectsBadPort(t *testing.T) {
	reg := newTestRegistry()
	if _, err := reg.Register(100, 0, 0x9999, 1); err != kerrors.INVAL {
		t.Fatalf("expected INVAL for out-of-range port, got %v", err)
	}
}

func TestRegisterDynamicAssignment(t *testing.T) {
	reg := newTestRegistry()
	id1, err := reg.Register(100, AssignRequest, 0, 0)
	if err != kerrors.OK || id1 < MinAssignable {
		t.Fatalf("Register(AssignRequest): id=%v err=%v", id1, err)
	}
	id2, err := reg.Register(101, AssignRequest, 0, 0)
	if err != kerrors.OK || id2 == id1 {
		t.Fatalf("expected distinct dynamic ids, got %v and %v", id1, id2)
	}
}

func TestDeregisterOnlyByOwner(t *testing.T) {
	reg := newTestRegistry()
	id, _ := reg.Register(100, AssignRequest, 0, 0)
	if err := reg.Deregister(999, id); err != kerrors.INVAL {
		t.Fatalf("expected INVAL deregistering as non-owner, got %v", err)
	}
	if err := reg.Deregister(100, id); err != kerrors.OK {
		t.Fatalf("Deregister: %v", err)
	}
}

func TestSendWaitRoundTrip(t *testing.T) {
	reg := newTestRegistry()
	id, _ := reg.Register(100, 0, 0x60, 1)

	if _, ok, _ := reg.Wait(100, id); ok {
		t.Fatal("expected no pending message before Send")
	}

	delivered, err := reg.Send(id, []byte{0x42})
	if err != kerrors.OK || !delivered {
		t.Fatalf("Send: delivered=%v err=%v", delivered, err)
	}

	payload, ok, err := reg.Wait(100, id)
	if err != kerrors.OK || !ok || len(payload) != 1 || payload[0] != 0x42 {
		t.Fatalf("Wait: payload=%v ok=%v err=%v", payload, ok, err)
	}
}

func TestSendDropsWhenQueueFull(t *testing.T) {
	reg := newTestRegistry()
	id, _ := reg.Register(100, 0, 0x60, 1)

	for i := 0; i < 64; i++ {
		if delivered, _ := reg.Send(id, []byte{byte(i)}); !delivered {
			t.Fatalf("message %d unexpectedly dropped before queue full", i)
		}
	}
	delivered, _ := reg.Send(id, []byte{0xFF})
	if delivered {
		t.Fatal("expected message to be dropped once queue is full")
	}
}
