package lifecycle

import (
	"testing"
	"time"

	"pebble/internal/kerrors"
	"pebble/internal/kthread"
	"pebble/internal/pmm"
	"pebble/internal/progtab"
	"pebble/internal/sched"
	"pebble/internal/vmm"
)

func newTestLifecycleWithFrames(t *testing.T, progs []progtab.Program) (*Lifecycle, *kthread.Task, *kthread.Thread, *pmm.Allocator) {
	t.Helper()
	frames, err := pmm.New(64)
	if err != nil {
		t.Fatalf("pmm.New: %v", err)
	}
	t.Cleanup(func() { frames.Close() })

	vm := vmm.New(frames, 4*vmm.PtSpan, 0xC0000000)
	threads := kthread.NewTable()
	programs := progtab.New(progs)

	initTid := threads.AllocID()
	initAS := vm.CreatePageDirectory()
	initTask := kthread.NewTask(initTid, nil, initAS)
	initThread := kthread.NewThread(initTid, initTask)
	initTask.AddThread(initThread)
	threads.Insert(initThread)

	s := sched.New(initThread)
	lc := New(s, vm, threads, programs, initTask)
	return lc, initTask, initThread, frames
}

func newTestLifecycle(t *testing.T) (*Lifecycle, *kthread.Task, *kthread.Thread) {
	lc, task, thread, _ := newTestLifecycleWithFrames(t, nil)
	return lc, task, thread
}

func TestForkLinksChildIntoAliveChildren(t *testing.T) {
	lc, parentTask, parentThread := newTestLifecycle(t)

	childID, err := lc.Fork(parentTask, parentThread)
	if err != kerrors.OK {
		t.Fatalf("Fork: %v", err)
	}
	if parentTask.AliveChildren.Len() != 1 {
		t.Fatalf("alive children = %d, want 1", parentTask.AliveChildren.Len())
	}
	childTask := parentTask.AliveChildren.Front().Host().(*kthread.Task)
	if childTask.ID != childID {
		t.Fatalf("childTask.ID = %d, want %d", childTask.ID, childID)
	}
	if childTask.Parent != parentTask {
		t.Fatal("child's parent must be the forking task")
	}
}

func TestVanishLastThreadReparentsAndSignalsParent(t *testing.T) {
	lc, parentTask, parentThread := newTestLifecycle(t)

	childID, err := lc.Fork(parentTask, parentThread)
	if err != kerrors.OK {
		t.Fatalf("Fork: %v", err)
	}
	childTask := parentTask.AliveChildren.Front().Host().(*kthread.Task)
	childThread := childTask.FirstThread

	// Run the child's vanish on its own goroutine; sched.Retire (called
	// at the end of Vanish) will hand the CPU token back to whatever
	// the scheduler picks next (here, idle, which nothing is blocked
	// waiting on), so this does not need to coordinate through
	// childThread.Resumed itself.
	go func() {
		lc.SetStatus(childTask, -2)
		lc.Vanish(childTask, childThread, -2)
	}()

	var status int32
	gotID, err := lc.Wait(parentTask, &status)
	if err != kerrors.OK {
		t.Fatalf("Wait: %v", err)
	}
	if gotID != childID {
		t.Fatalf("Wait returned %d, want %d", gotID, childID)
	}
	if status != -2 {
		t.Fatalf("status = %d, want -2", status)
	}
	if !parentTask.AliveChildren.Empty() {
		t.Fatal("child should have left alive_children")
	}
	if !parentTask.DeadChildren.Empty() {
		t.Fatal("Wait should have consumed the dead child record")
	}
}

func TestWaitReturnsFailureWithNoChildren(t *testing.T) {
	lc, task, _ := newTestLifecycle(t)
	done := make(chan struct{})
	var gotErr kerrors.Err
	go func() {
		_, gotErr = lc.Wait(task, nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait should return immediately with no children")
	}
	if gotErr != kerrors.FAILURE {
		t.Fatalf("err = %v, want FAILURE", gotErr)
	}
}

func TestExecUnknownProgram(t *testing.T) {
	lc, task, _ := newTestLifecycle(t)
	if err := lc.Exec(task, "nonexistent", nil); err != kerrors.NOTAVAIL {
		t.Fatalf("Exec(unknown) = %v, want NOTAVAIL", err)
	}
}

func TestExecTooManyArgs(t *testing.T) {
	lc, task, _ := newTestLifecycle(t)
	argv := make([]string, 129)
	if err := lc.Exec(task, "whatever", argv); err != kerrors.BIG {
		t.Fatalf("Exec(129 args) = %v, want BIG", err)
	}
}

func TestExecFreesOldAddressSpaceFrames(t *testing.T) {
	progs := []progtab.Program{
		{Name: "hello", EntryPoint: 0x1000, Segments: []vmm.SegmentDescriptor{
			{VA: 0x10000000, Len: vmm.PageSize, Writable: true},
		}},
	}
	lc, task, _, frames := newTestLifecycleWithFrames(t, progs)

	if err := lc.Exec(task, "hello", []string{"hello"}); err != kerrors.OK {
		t.Fatalf("first Exec: %v", err)
	}
	usedAfterFirst := frames.Used()

	if err := lc.Exec(task, "hello", []string{"hello"}); err != kerrors.OK {
		t.Fatalf("second Exec: %v", err)
	}
	usedAfterSecond := frames.Used()

	if usedAfterSecond != usedAfterFirst {
		t.Fatalf("frames.Used() after second exec = %d, want %d (old address space must be freed, not leaked)", usedAfterSecond, usedAfterFirst)
	}
}
