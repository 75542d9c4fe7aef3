// Package irq implements spec.md component I: interrupt vector
// dispatch, routing faults to COW resolution, swexn delivery, or thread
// termination, and device interrupts to the registered driver.
//
// Grounded on original_source/kern/interrupts/{fault_handlers,
// device_handlers,idt_entry}.c for the dispatch shape, and
// kern/drivers/keyboard/keyboard.c for the "read the minimal hardware
// byte then forward as a message" device-handler pattern.
package irq

import (
	"pebble/internal/kdebug"
	"pebble/internal/kerrors"
	"pebble/internal/kthread"
	"pebble/internal/swexn"
	"pebble/internal/udriver"
	"pebble/internal/vmm"
)

// Killer is the thread-termination callback a fault that finds no
// installed handler and no COW resolution must invoke, satisfied by
// internal/lifecycle.Lifecycle.Vanish.
type Killer interface {
	Vanish(task *kthread.Task, thread *kthread.Thread, status int32)
}

// DeviceHandler reads whatever minimal hardware state a device vector
// needs (e.g. a keyboard scancode) and returns it as a message payload
// for the registered driver.
type DeviceHandler func() []byte

// Dispatcher routes faults and device interrupts for one kernel
// instance.
type Dispatcher struct {
	VM      *vmm.VMM
	Drivers *udriver.Registry
	Killer  Killer

	// Notify, when set, is invoked after a successful device-interrupt
	// Send with the id the message was delivered to, performing
	// udriv_send's thread-wake half (append a token to the registered
	// thread's pending-driver queue, promote a WAITING registrant onto
	// the driver-priority queue). internal/kernel wires this during New,
	// since waking a thread needs internal/kthread and internal/sched,
	// which this package deliberately does not import.
	Notify func(id udriver.DriverID)

	devices  map[int]udriver.DriverID // idt slot -> driver id
	handlers map[int]DeviceHandler    // idt slot -> hardware read
}

// New builds a Dispatcher.
func New(vm *vmm.VMM, drivers *udriver.Registry, killer Killer) *Dispatcher {
	return &Dispatcher{
		VM: vm, Drivers: drivers, Killer: killer,
		devices:  make(map[int]udriver.DriverID),
		handlers: make(map[int]DeviceHandler),
	}
}

// BindDevice registers slot's hardware reader and the driver id its
// payload should be forwarded to.
func (d *Dispatcher) BindDevice(slot int, id udriver.DriverID, h DeviceHandler) {
	d.devices[slot] = id
	d.handlers[slot] = h
}

// FaultResult tells the caller (internal/kernel) what to do after
// dispatching a fault.
type FaultResult struct {
	Resolved  bool                      // COW fault resolved in place; resume the faulting instruction
	Invoke    swexn.HandlerInvocation   // valid iff a handler was delivered
	Delivered bool
	Killed    bool
}

// DispatchPageFault implements page_fault_handler_c: a COW fault is
// resolved via vmm.HandleCOW (killing the thread on OOM); any other
// page fault routes through DispatchFault like the other exceptions.
func (d *Dispatcher) DispatchPageFault(as *vmm.AddressSpace, task *kthread.Task, thread *kthread.Thread, faultVA, faultEIP uint32, cow bool) FaultResult {
	if cow {
		if err := d.VM.HandleCOW(as, faultVA); err != kerrors.OK {
			d.Killer.Vanish(task, thread, -2)
			return FaultResult{Killed: true}
		}
		return FaultResult{Resolved: true}
	}
	return d.DispatchFault(task, thread, swexn.CausePagefault, faultEIP, swexn.Ureg{CR2: faultVA})
}

// DispatchFault implements handle_fault/invoke_swexn_handler: deliver to
// an installed swexn handler if present, otherwise dump the fault via
// kdebug.Dumpf (printed only when kdebug.Verbose is set) and kill the
// thread with exit status -2.
func (d *Dispatcher) DispatchFault(task *kthread.Task, thread *kthread.Thread, cause swexn.Cause, faultEIP uint32, base swexn.Ureg) FaultResult {
	inv, ok := swexn.Deliver(task, cause, faultEIP, base)
	if ok {
		return FaultResult{Delivered: true, Invoke: inv}
	}
	kdebug.Dumpf(1, "tid %d: fault cause %d at eip %#x, no swexn handler installed, killing; regs %+v\n", thread.ID, cause, faultEIP, base)
	d.Killer.Vanish(task, thread, -2)
	return FaultResult{Killed: true}
}

// DispatchDevice implements the device-interrupt path: read the
// hardware state for slot, forward it as a message to slot's bound
// driver, and — performing the same thread-wake half udriv_send does for
// a software send — notify the owning thread via Notify.
func (d *Dispatcher) DispatchDevice(slot int) (delivered bool, err kerrors.Err) {
	h, ok := d.handlers[slot]
	if !ok {
		return false, kerrors.NOTAVAIL
	}
	id, ok := d.devices[slot]
	if !ok {
		return false, kerrors.NOTAVAIL
	}
	delivered, err = d.Drivers.Send(id, h())
	if err == kerrors.OK && d.Notify != nil {
		d.Notify(id)
	}
	return delivered, err
}
