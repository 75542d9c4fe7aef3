// Package kthread implements spec.md component T: the Thread and Task
// records and the tid-indexed hashmap used to look them up.
//
// Grounded on spec.md section 3's Data Model (the Task/Thread field
// lists are carried here unchanged) and, for shape, the teacher's
// tinfo.Threadinfo_t (per-thread state bag) and hashtable.go's
// chained-bucket hashmap.
package kthread

import (
	"sync"
	"sync/atomic"

	"pebble/internal/klimits"
	"pebble/internal/klist"
	"pebble/internal/ksync"
	"pebble/internal/vmm"
)

// Status is a thread's scheduling state, spec.md section 3.
type Status int

const (
	Running Status = iota
	Runnable
	Waiting
	Descheduled
	Exited
)

func (s Status) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case Runnable:
		return "RUNNABLE"
	case Waiting:
		return "WAITING"
	case Descheduled:
		return "DESCHEDULED"
	case Exited:
		return "EXITED"
	default:
		return "UNKNOWN"
	}
}

// KernelStackWords sizes the fixed, inlined kernel stack every thread
// carries, per klimits.KernelStackWords.
const KernelStackWords = klimits.KernelStackWords

// Thread is spec.md section 3's Thread record. The real kernel's
// saved_sp/saved_bp and kernel_stack exist so context_switch can swap a
// suspended thread's machine registers; this hosted model runs each
// thread as a goroutine instead (internal/sched parks/resumes goroutines
// rather than swapping stack pointers), so KernelStack/SavedSP/SavedBP
// are carried as inert fields for structural fidelity with spec.md's
// data model and are not read by the scheduler.
type Thread struct {
	ID         uint32
	ParentTask *Task

	KernelStack [KernelStackWords]uint32
	SavedSP     uint32
	SavedBP     uint32

	WakeTime int64 // timer tick count; valid only while Status == Waiting on the sleep queue
	Status   Status

	HashmapLink     klist.Link
	RunqLink        klist.Link
	SleepLink       klist.Link
	DriverLink      klist.Link
	MutexLink       klist.Link
	CondLink        klist.Link
	TaskThreadLink  klist.Link

	UdrivList          klist.List
	PendingDriverQueue []uint32 // driver ids with a pending interrupt, FIFO

	UdrivListLock    ksync.Mutex
	DescheduleLock   ksync.Mutex
	DescheduleCV     ksync.CondVar

	// Resumed is how internal/sched signals a parked goroutine to
	// continue. Buffered to depth 1 so a scheduler decision that picks
	// this thread before its goroutine has reached the park point is
	// not lost.
	Resumed chan struct{}
}

// NewThread allocates a Thread bound to parent, with its list-membership
// links wired to point back to it (klist.Link.SetHost).
func NewThread(id uint32, parent *Task) *Thread {
	t := &Thread{ID: id, ParentTask: parent, Status: Runnable, Resumed: make(chan struct{}, 1)}
	t.HashmapLink.SetHost(t)
	t.RunqLink.SetHost(t)
	t.SleepLink.SetHost(t)
	t.DriverLink.SetHost(t)
	t.MutexLink.SetHost(t)
	t.CondLink.SetHost(t)
	t.TaskThreadLink.SetHost(t)
	t.UdrivList.Init()
	return t
}

// SwexnHandler is spec.md section 4.7's installed-handler record.
type SwexnHandler struct {
	HandlerEIP uint32
	Arg        uint32
	StackTop   uint32
	Installed  bool
}

// Task is spec.md section 3's Task record.
type Task struct {
	ID          uint32
	PDRoot      *vmm.AddressSpace
	Parent      *Task
	FirstThread *Thread

	Threads       klist.List
	AliveChildren klist.List
	DeadChildren  klist.List

	ExitStatus int32

	Swexn SwexnHandler

	ExecLock      ksync.Mutex
	ForkLock      ksync.Mutex
	VanishLock    ksync.Mutex
	ChildListLock ksync.Mutex
	ThreadListLock ksync.Mutex
	ExitCV        ksync.CondVar

	ChildLink klist.Link // membership in a parent's Alive/DeadChildren list
}

// NewTask allocates a Task whose id equals firstThreadID, per spec.md's
// "the id equals the id of its first thread" invariant. The caller is
// responsible for constructing FirstThread with that same id and
// attaching it via AddThread.
func NewTask(firstThreadID uint32, parent *Task, pd *vmm.AddressSpace) *Task {
	tk := &Task{ID: firstThreadID, Parent: parent, PDRoot: pd}
	tk.Threads.Init()
	tk.AliveChildren.Init()
	tk.DeadChildren.Init()
	tk.ChildLink.SetHost(tk)
	return tk
}

// AddThread links t into tk's thread list and sets FirstThread on the
// first call.
func (tk *Task) AddThread(t *Thread) {
	tk.ThreadListLock.Lock()
	defer tk.ThreadListLock.Unlock()
	if tk.FirstThread == nil {
		tk.FirstThread = t
	}
	tk.Threads.PushBack(&t.TaskThreadLink)
}

// RemoveThread unlinks t from tk's thread list and reports whether tk now
// has no threads left (the "last thread" condition vanish checks).
func (tk *Task) RemoveThread(t *Thread) bool {
	tk.ThreadListLock.Lock()
	defer tk.ThreadListLock.Unlock()
	klist.Remove(&t.TaskThreadLink)
	return tk.Threads.Empty()
}

// idAllocator is the monotonically increasing thread-id counter, per
// spec.md section 4.5: "protected by a lock" — sync/atomic is that lock.
type idAllocator struct {
	next uint32
}

func (a *idAllocator) Next() uint32 {
	return atomic.AddUint32(&a.next, 1)
}

// Table is the chained-bucket tid → *Thread hashmap, grounded on the
// teacher's hashtable.go.
type Table struct {
	ids     idAllocator
	mu      sync.RWMutex
	buckets [klimits.TidHashBuckets]klist.List
}

// NewTable returns an empty, ready-to-use thread table.
func NewTable() *Table {
	tb := &Table{}
	for i := range tb.buckets {
		tb.buckets[i].Init()
	}
	return tb
}

func bucketOf(tid uint32) int { return int(tid % klimits.TidHashBuckets) }

// AllocID returns the next thread id.
func (tb *Table) AllocID() uint32 { return tb.ids.Next() }

// Insert adds t to the table, indexed by t.ID.
func (tb *Table) Insert(t *Thread) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.buckets[bucketOf(t.ID)].PushBack(&t.HashmapLink)
}

// Remove removes t from the table.
func (tb *Table) Remove(t *Thread) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	klist.Remove(&t.HashmapLink)
}

// Lookup finds the thread with the given id, if present.
func (tb *Table) Lookup(tid uint32) (*Thread, bool) {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	var found *Thread
	tb.buckets[bucketOf(tid)].Each(func(l *klist.Link) {
		if th := l.Host().(*Thread); th.ID == tid {
			found = th
		}
	})
	return found, found != nil
}
