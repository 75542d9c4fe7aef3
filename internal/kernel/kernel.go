// Package kernel implements spec.md's §6 system-call table as a Go API:
// Kernel owns one of every component above and exposes one method per
// syscall row, resolving "the calling thread" via the scheduler's
// current thread the way the real entry-point assembly resolves it from
// the interrupted register state.
//
// Not itself a spec.md component; required to turn a table of syscalls
// into actual callable Go entry points. Grounded on how the teacher's
// top-level `proc`/`sys` dispatch glues its subsystems together: one
// facade method per syscall number, each acquiring only the locks its
// own subsystem methods already take.
package kernel

import (
	"sync"

	"pebble/internal/kerrors"
	"pebble/internal/klist"
	"pebble/internal/klimits"
	"pebble/internal/kthread"
	"pebble/internal/lifecycle"
	"pebble/internal/pmm"
	"pebble/internal/progtab"
	"pebble/internal/sched"
	"pebble/internal/stats"
	"pebble/internal/swexn"
	"pebble/internal/udriver"
	"pebble/internal/util"
	"pebble/internal/vmm"

	"pebble/internal/irq"
)

// Console is the external collaborator boundary for
// readline/print/get_cursor/set_cursor/set_term_color/getchar — spec
// section 1's explicit out-of-CORE surface. No CORE component calls
// into it; Kernel only carries the boundary so a future console driver
// can be plugged in without this package depending on one.
type Console interface {
	Readline(buf []byte) (int, kerrors.Err)
	Print(s string) kerrors.Err
	GetCursor() (row, col int)
	SetCursor(row, col int) kerrors.Err
	SetTermColor(color int) kerrors.Err
	Getchar() (byte, kerrors.Err)
}

// FileReader is the external ramdisk-backed file-read collaborator for
// readfile. Real filesystems are an explicit Non-goal; this boundary
// exists only so the syscall row has a Go entry point, not so CORE can
// read files.
type FileReader interface {
	ReadFile(name string, buf []byte, offset int) (int, kerrors.Err)
}

// driverRegistration links a thread's UdrivList to one of its
// registered driver ids, so udriv_wait can check "has the caller
// registered anything at all" without internal/udriver needing to know
// about internal/kthread.Thread.
type driverRegistration struct {
	id   udriver.DriverID
	link klist.Link
}

// Kernel owns every subsystem and is the single entry point a hosted
// "user program" goroutine calls into, one method per spec.md §6 row.
type Kernel struct {
	Frames   *pmm.Allocator
	VM       *vmm.VMM
	Threads  *kthread.Table
	Programs *progtab.Table
	Sched    *sched.Scheduler
	Life     *lifecycle.Lifecycle
	Drivers  *udriver.Registry
	IRQ      *irq.Dispatcher
	Limits   *klimits.Syslimit

	Console Console
	Files   FileReader

	mu     sync.Mutex
	ports  map[uint32]byte
	halted bool
}

// New wires a complete Kernel: frames physical frames, kernelSplit/
// stackTop the same address-space geometry as vmm.New, deviceTable/
// serverTable the udriver permission tables, programs the exec table.
// The returned Kernel's init task is task/thread id 1, already RUNNING
// as the scheduler's idle thread — callers construct further tasks via
// Fork/Exec from there, as biscuit's own bootstrap hands off from a
// synthetic idle context to the first real process.
func New(frames *pmm.Allocator, kernelSplit, stackTop uint32, deviceTable, serverTable udriver.PermissionTable, programs *progtab.Table) *Kernel {
	vm := vmm.New(frames, kernelSplit, stackTop)
	threads := kthread.NewTable()

	initAS := vm.CreatePageDirectory()
	initTid := threads.AllocID()
	initTask := kthread.NewTask(initTid, nil, initAS)
	initThread := kthread.NewThread(initTid, initTask)
	initTask.AddThread(initThread)
	threads.Insert(initThread)

	s := sched.New(initThread)
	life := lifecycle.New(s, vm, threads, programs, initTask)
	drivers := udriver.NewRegistry(deviceTable, serverTable, vm)
	dispatcher := irq.New(vm, drivers, life)

	k := &Kernel{
		Frames: frames, VM: vm, Threads: threads, Programs: programs,
		Sched: s, Life: life, Drivers: drivers, IRQ: dispatcher,
		Limits: klimits.NewSyslimit(),
		ports:  make(map[uint32]byte),
	}
	dispatcher.Notify = k.notifyDriver
	return k
}

func (k *Kernel) current() *kthread.Thread { return k.Sched.Current() }

// Gettid returns the calling thread's id.
func (k *Kernel) Gettid() uint32 { return k.current().ID }

// Fork clones the caller's task. The parent's return value is the child
// tid (or NOMEM); the "0 returned to the child" half of fork's contract
// belongs to whatever starts the child thread's goroutine, per
// internal/lifecycle's doc comment.
func (k *Kernel) Fork() (childTid uint32, err kerrors.Err) {
	cur := k.current()
	return k.Life.Fork(cur.ParentTask, cur)
}

// ThreadFork spawns a new thread under the caller's task.
func (k *Kernel) ThreadFork() (childTid uint32, err kerrors.Err) {
	cur := k.current()
	return k.Life.ThreadFork(cur.ParentTask)
}

// Exec replaces the caller's task image with progName, argv.
func (k *Kernel) Exec(progName string, argv []string) kerrors.Err {
	cur := k.current()
	return k.Life.Exec(cur.ParentTask, progName, argv)
}

// SetStatus records the caller's exit status. Vanish replaces it with its
// own status argument; a later Vanish does not pick up the recorded value.
func (k *Kernel) SetStatus(status int32) {
	k.Life.SetStatus(k.current().ParentTask, status)
}

// Wait blocks for a dead child, per spec.md section 4.6.
func (k *Kernel) Wait(statusOut *int32) (deadTid uint32, err kerrors.Err) {
	return k.Life.Wait(k.current().ParentTask, statusOut)
}

// Vanish terminates the caller's thread (and, if last, its task).
func (k *Kernel) Vanish(status int32) {
	cur := k.current()
	k.Life.Vanish(cur.ParentTask, cur, status)
}

// Yield implements yield(tid): -1 yields to the scheduler's own choice;
// a specific tid is validated to exist (INVAL otherwise) and otherwise
// behaves like a generic yield, since the round-robin runqueue has no
// head-of-line priority primitive beyond the driver/sleep tiers spec.md
// already names — a documented simplification, not a missing feature.
func (k *Kernel) Yield(tid int32) kerrors.Err {
	if tid != -1 {
		if _, ok := k.Threads.Lookup(uint32(tid)); !ok {
			return kerrors.INVAL
		}
	}
	k.Sched.Yield()
	return kerrors.OK
}

// Sleep blocks the caller for ticks timer ticks.
func (k *Kernel) Sleep(ticks int) kerrors.Err {
	if ticks < 0 {
		return kerrors.INVAL
	}
	if ticks == 0 {
		return kerrors.OK
	}
	cur := k.current()
	k.Sched.SleepUntil(cur, int64(k.Sched.Ticks())+int64(ticks))
	return kerrors.OK
}

// Deschedule blocks the caller until a matching MakeRunnable(tid), per
// spec.md's documented deschedule/make_runnable race: if *reject is
// already nonzero the call returns immediately without blocking.
func (k *Kernel) Deschedule(reject *int32) kerrors.Err {
	if reject != nil && *reject != 0 {
		return kerrors.OK
	}
	k.Sched.Deschedule(k.current())
	return kerrors.OK
}

// MakeRunnable wakes a thread descheduled via Deschedule.
func (k *Kernel) MakeRunnable(tid uint32) kerrors.Err {
	th, ok := k.Threads.Lookup(tid)
	if !ok || th.Status != kthread.Descheduled {
		return kerrors.INVAL
	}
	k.Sched.MakeRunnable(th)
	return kerrors.OK
}

// GetTicks returns the timer tick count.
func (k *Kernel) GetTicks() uint32 { return uint32(k.Sched.Ticks()) }

// NewPages maps count = length/vmm.PageSize fresh pages at base into
// the caller's address space.
func (k *Kernel) NewPages(base, length uint32) kerrors.Err {
	if length == 0 || !util.Aligned(length, uint32(vmm.PageSize)) {
		return kerrors.INVAL
	}
	cur := k.current()
	return k.VM.NewPages(cur.ParentTask.PDRoot, base, int(length/vmm.PageSize))
}

// RemovePages unmaps the new_pages region starting at base.
func (k *Kernel) RemovePages(base uint32) kerrors.Err {
	cur := k.current()
	return k.VM.RemovePages(cur.ParentTask.PDRoot, base)
}

// Swexn installs or deregisters the caller's software exception handler.
// If newureg is non-nil, the returned Resume describes the register
// state the caller's own return path must be rewritten to immediately,
// mirroring setup_kernel_stack's immediate IRET-frame rewrite — a second,
// distinct mode from installing a handler for some future fault.
func (k *Kernel) Swexn(esp3, eip, arg uint32, newureg *swexn.Ureg) (*swexn.Resume, kerrors.Err) {
	return swexn.Install(k.current().ParentTask, esp3, eip, arg, newureg)
}

// UdrivRegister registers the caller as id's driver (or assigns a fresh
// id on udriver.AssignRequest), and links the registration into the
// caller's UdrivList so UdrivWait can tell "has any registered driver"
// apart from "has a pending message."
func (k *Kernel) UdrivRegister(id uint32, inPort uint32, inBytes int) (uint32, kerrors.Err) {
	cur := k.current()
	did, err := k.Drivers.Register(cur.ID, udriver.DriverID(id), inPort, inBytes)
	if err != kerrors.OK {
		return 0, err
	}
	reg := &driverRegistration{id: did}
	reg.link.SetHost(reg)
	cur.UdrivListLock.Lock()
	cur.UdrivList.PushBack(&reg.link)
	cur.UdrivListLock.Unlock()
	return uint32(did), kerrors.OK
}

// UdrivDeregister releases a driver id the caller owns.
func (k *Kernel) UdrivDeregister(id uint32) kerrors.Err {
	cur := k.current()
	did := udriver.DriverID(id)
	if err := k.Drivers.Deregister(cur.ID, did); err != kerrors.OK {
		return err
	}
	cur.UdrivListLock.Lock()
	var target *klist.Link
	cur.UdrivList.Each(func(l *klist.Link) {
		if l.Host().(*driverRegistration).id == did {
			target = l
		}
	})
	if target != nil {
		klist.Remove(target)
	}
	cur.UdrivListLock.Unlock()
	return kerrors.OK
}

// UdrivSend delivers payload to id's driver, per spec.md section 4.8:
// the message is pushed onto id's bounded FIFO (drop-newest-silent when
// full) and, in every case, a token for id is appended to the owning
// thread's pending-driver queue; if that thread was WAITING it is moved
// to the driver-priority queue. Device interrupts (internal/irq's
// DispatchDevice, via the Notify callback wired in New) perform the same
// wake half through notifyDriver, since a hardware-driven Send must wake
// a blocked udriv_wait exactly like a software udriv_send does.
func (k *Kernel) UdrivSend(id uint32, payload []byte) kerrors.Err {
	did := udriver.DriverID(id)
	if _, err := k.Drivers.Send(did, payload); err != kerrors.OK {
		return err
	}
	k.notifyDriver(did)
	return kerrors.OK
}

// notifyDriver performs udriv_send's thread-wake half: append a token
// for id onto its registered thread's pending-driver queue, and if that
// thread is WAITING, promote it onto the scheduler's driver-priority
// queue. Shared by UdrivSend and internal/irq.Dispatcher's device
// interrupt path.
func (k *Kernel) notifyDriver(id udriver.DriverID) {
	tid, ok := k.Drivers.ThreadFor(id)
	if !ok {
		return
	}
	th, ok := k.Threads.Lookup(tid)
	if !ok {
		return
	}
	th.UdrivListLock.Lock()
	th.PendingDriverQueue = append(th.PendingDriverQueue, uint32(id))
	wasWaiting := th.Status == kthread.Waiting
	th.UdrivListLock.Unlock()
	if wasWaiting {
		k.Sched.MakeDriverPriority(th)
	}
}

// UdrivWait blocks until the caller has a pending driver token, then
// pops and returns it along with that driver's oldest queued payload.
func (k *Kernel) UdrivWait() (id uint32, payload []byte, err kerrors.Err) {
	cur := k.current()

	cur.UdrivListLock.Lock()
	if cur.UdrivList.Empty() {
		cur.UdrivListLock.Unlock()
		return 0, nil, kerrors.FAILURE
	}
	for len(cur.PendingDriverQueue) == 0 {
		cur.Status = kthread.Waiting
		cur.UdrivListLock.Unlock()
		k.Sched.ContextSwitch()
		cur.UdrivListLock.Lock()
	}
	did := cur.PendingDriverQueue[0]
	cur.PendingDriverQueue = cur.PendingDriverQueue[1:]
	cur.UdrivListLock.Unlock()

	payload, _, perr := k.Drivers.Wait(cur.ID, udriver.DriverID(did))
	if perr != kerrors.OK {
		return did, nil, perr
	}
	return did, payload, kerrors.OK
}

// UdrivInb reads one byte from port, if the caller owns a driver whose
// permission-table entry declares port.
func (k *Kernel) UdrivInb(port uint32) (byte, kerrors.Err) {
	cur := k.current()
	if !k.Drivers.OwnsPort(cur.ID, port) {
		return 0, kerrors.FAILURE
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.ports[port], kerrors.OK
}

// UdrivOutb writes one byte to port, under the same ownership check as
// UdrivInb.
func (k *Kernel) UdrivOutb(port uint32, val byte) kerrors.Err {
	cur := k.current()
	if !k.Drivers.OwnsPort(cur.ID, port) {
		return kerrors.FAILURE
	}
	k.mu.Lock()
	k.ports[port] = val
	k.mu.Unlock()
	return kerrors.OK
}

// UdrivMmap maps a physical MMIO range into the caller's address space,
// if the caller owns a driver whose permission-table entry declares it.
func (k *Kernel) UdrivMmap(phys, virt, length uint32) kerrors.Err {
	cur := k.current()
	id, ok := k.Drivers.OwnerMmapID(cur.ID, phys, length)
	if !ok {
		return kerrors.INVAL
	}
	return k.Drivers.Mmap(cur.ParentTask.PDRoot, id, phys, virt, length)
}

// ReadFile delegates to the external file-read collaborator, if one is
// configured; real filesystems are an explicit Non-goal of this module.
func (k *Kernel) ReadFile(name string, buf []byte, offset int) (int, kerrors.Err) {
	if k.Files == nil {
		return 0, kerrors.NOTAVAIL
	}
	return k.Files.ReadFile(name, buf, offset)
}

// Halt stops the system. Hosted, this just latches a flag a driver loop
// can poll, rather than powering off real hardware.
func (k *Kernel) Halt() {
	k.mu.Lock()
	k.halted = true
	k.mu.Unlock()
}

// Halted reports whether Halt has been called.
func (k *Kernel) Halted() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.halted
}

// BindDevice wires slot's hardware reader and target driver id, per
// internal/irq.Dispatcher.BindDevice.
func (k *Kernel) BindDevice(slot int, id uint32, h irq.DeviceHandler) {
	k.IRQ.BindDevice(slot, udriver.DriverID(id), h)
}

// DeviceInterrupt dispatches slot's device interrupt to its bound
// driver.
func (k *Kernel) DeviceInterrupt(slot int) (delivered bool, err kerrors.Err) {
	return k.IRQ.DispatchDevice(slot)
}

// PageFault dispatches a page fault for the caller, resolving a COW
// fault via V.handle_cow or otherwise routing to swexn/kill.
func (k *Kernel) PageFault(faultVA, faultEIP uint32, cow bool) irq.FaultResult {
	cur := k.current()
	return k.IRQ.DispatchPageFault(cur.ParentTask.PDRoot, cur.ParentTask, cur, faultVA, faultEIP, cow)
}

// Fault dispatches a non-page-fault exception for the caller.
func (k *Kernel) Fault(cause swexn.Cause, faultEIP uint32, base swexn.Ureg) irq.FaultResult {
	cur := k.current()
	return k.IRQ.DispatchFault(cur.ParentTask, cur, cause, faultEIP, base)
}

// Accounting returns the per-task accounting record for taskID,
// creating it on first use. Component ST's home in the syscall facade.
func (k *Kernel) Accounting(taskID uint32) *stats.Accounting {
	if a, ok := k.Life.Accounting[taskID]; ok {
		return a
	}
	a := &stats.Accounting{}
	k.Life.Accounting[taskID] = a
	return a
}
