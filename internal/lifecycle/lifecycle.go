// Package lifecycle implements spec.md component LC: fork, thread_fork,
// exec, set_status, wait, and vanish.
//
// Grounded field-for-field and lock-order-for-lock-order on
// original_source/kern/core/{fork,exec,wait_vanish}.c. This hosted
// model has no real user-mode code to resume into, so fork/thread_fork
// build and link the child Task/Thread records and leave starting that
// thread's goroutine to the caller (internal/kernel, or a test) rather
// than synthesizing an IRET trampoline — the "returns 0 to the child"
// half of fork's contract is therefore the responsibility of whatever
// drives the child thread's goroutine loop, not this package.
package lifecycle

import (
	"pebble/internal/kerrors"
	"pebble/internal/klimits"
	"pebble/internal/klist"
	"pebble/internal/kthread"
	"pebble/internal/progtab"
	"pebble/internal/sched"
	"pebble/internal/stats"
	"pebble/internal/vmm"
)

// Lifecycle owns every subsystem fork/exec/wait/vanish touch.
type Lifecycle struct {
	Sched    *sched.Scheduler
	VM       *vmm.VMM
	Threads  *kthread.Table
	Programs *progtab.Table
	Init     *kthread.Task

	Accounting map[uint32]*stats.Accounting // by task id
}

// New constructs a Lifecycle domain. init is the init task new orphans
// are reparented to on vanish.
func New(s *sched.Scheduler, vm *vmm.VMM, threads *kthread.Table, programs *progtab.Table, init *kthread.Task) *Lifecycle {
	return &Lifecycle{Sched: s, VM: vm, Threads: threads, Programs: programs, Init: init, Accounting: make(map[uint32]*stats.Accounting)}
}

// Fork implements spec.md section 4.6's fork: clones caller's task into
// a new child task under a new COW address space, links the child into
// caller's AliveChildren, and makes the child thread runnable. Per-task
// serialization is the caller's ForkLock, which Fork itself acquires.
func (lc *Lifecycle) Fork(callerTask *kthread.Task, callerThread *kthread.Thread) (childTaskID uint32, err kerrors.Err) {
	callerTask.ForkLock.Lock()
	defer callerTask.ForkLock.Unlock()

	childAS := lc.VM.ClonePagingInfo(callerTask.PDRoot)

	childTid := lc.Threads.AllocID()
	childTask := kthread.NewTask(childTid, callerTask, childAS)
	childThread := kthread.NewThread(childTid, childTask)
	childThread.Status = kthread.Runnable
	childTask.AddThread(childThread)
	lc.Threads.Insert(childThread)

	childTask.Swexn = callerTask.Swexn

	callerTask.ChildListLock.Lock()
	callerTask.AliveChildren.PushBack(&childTask.ChildLink)
	callerTask.ChildListLock.Unlock()

	lc.Sched.MakeRunnable(childThread)

	return childTask.ID, kerrors.OK
}

// ThreadFork implements thread_fork: a new thread under the same task,
// no address-space clone.
func (lc *Lifecycle) ThreadFork(task *kthread.Task) (childTid uint32, err kerrors.Err) {
	tid := lc.Threads.AllocID()
	th := kthread.NewThread(tid, task)
	th.Status = kthread.Runnable
	task.AddThread(th)
	lc.Threads.Insert(th)
	lc.Sched.MakeRunnable(th)
	return tid, kerrors.OK
}

// Exec implements spec.md section 4.6's exec: validated, serialized per
// task by ExecLock. On success the old address space and its pages are
// freed and the task's PDRoot is replaced; on any failure the task's
// original address space and thread remain exactly as they were.
func (lc *Lifecycle) Exec(task *kthread.Task, progName string, argv []string) kerrors.Err {
	task.ExecLock.Lock()
	defer task.ExecLock.Unlock()

	if len(argv) > klimits.NumArgsMax {
		return kerrors.BIG
	}
	prog, err := lc.Programs.Lookup(progName)
	if err != kerrors.OK {
		return err
	}

	newAS := lc.VM.CreatePageDirectory()
	if err := lc.VM.SetupPageTable(newAS, prog.Segments, vmm.PageSize); err != kerrors.OK {
		return err
	}

	oldAS := task.PDRoot
	task.PDRoot = newAS
	lc.VM.FreeAddressSpace(oldAS)
	return kerrors.OK
}

// SetStatus records s as the current task's exit status, read back by
// the parent's Wait. Vanish stores its own status argument into the same
// field, so the value Wait reports is the one passed to the task's last
// Vanish call, not necessarily the one recorded here.
func (lc *Lifecycle) SetStatus(task *kthread.Task, s int32) {
	task.ExitStatus = s
}

// Wait implements spec.md section 4.6's wait: blocks on exit_cv while
// there are no dead children but at least one alive child; returns
// FAILURE if the task has no children at all, present or past.
func (lc *Lifecycle) Wait(task *kthread.Task, statusOut *int32) (deadTaskID uint32, err kerrors.Err) {
	task.ChildListLock.Lock()
	for task.DeadChildren.Empty() && !task.AliveChildren.Empty() {
		task.ExitCV.Wait(&task.ChildListLock)
	}

	dead := task.DeadChildren.Front()
	if dead == nil {
		task.ChildListLock.Unlock()
		return 0, kerrors.FAILURE
	}
	klist.Remove(dead)
	task.ChildListLock.Unlock()

	deadTask := dead.Host().(*kthread.Task)
	if statusOut != nil {
		*statusOut = deadTask.ExitStatus
	}
	return deadTask.ID, kerrors.OK
}

// Vanish implements spec.md section 4.6's vanish. Grounded on
// wait_vanish.c's do_vanish line-for-line: remove the thread from its
// task; if last, reparent both child lists to init under the task's own
// VanishLock (modeling "interrupts disabled" as holding that lock, since
// nothing in this hosted model can observe a partially-reparented list
// without cooperating through the same lock anyway), free the address
// space, detach from the parent's alive list, append to its dead list,
// and signal (broadcast iff the parent now has no alive children, else
// signal); finally retire the thread from the scheduler.
func (lc *Lifecycle) Vanish(task *kthread.Task, thread *kthread.Thread, status int32) {
	task.ExitStatus = status
	lc.Threads.Remove(thread)
	last := task.RemoveThread(thread)

	if last {
		task.VanishLock.Lock()
		lc.reparentToInit(&task.AliveChildren)
		lc.reparentToInit(&task.DeadChildren)

		lc.Init.ChildListLock.Lock()
		lc.Init.AliveChildren.Concat(&task.AliveChildren)
		lc.Init.DeadChildren.Concat(&task.DeadChildren)
		lc.Init.ChildListLock.Unlock()
		task.VanishLock.Unlock()

		lc.VM.FreeAddressSpace(task.PDRoot)
		task.PDRoot = nil // kernel PD is process-wide and immortal, never freed

		parent := task.Parent
		if parent != nil {
			parent.ChildListLock.Lock()
			klist.Remove(&task.ChildLink)
			parent.DeadChildren.PushBack(&task.ChildLink)
			noAliveLeft := parent.AliveChildren.Empty()
			parent.ChildListLock.Unlock()

			if noAliveLeft {
				parent.ExitCV.Broadcast(&parent.ChildListLock)
			} else {
				parent.ExitCV.Signal(&parent.ChildListLock)
			}
		}
	}

	lc.Sched.Retire(thread)
}

func (lc *Lifecycle) reparentToInit(list *klist.List) {
	list.Each(func(l *klist.Link) {
		l.Host().(*kthread.Task).Parent = lc.Init
	})
}
