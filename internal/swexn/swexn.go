// Package swexn implements spec.md component SX: the software exception
// dispatcher.
//
// Grounded on original_source/kern/interrupts/fault_handlers.c's
// invoke_swexn_handler/setup_swexn_stack/update_fault_stack and
// kill_current_thread. This hosted model has no real kernel stack to
// rewrite an IRET frame on, so Deliver returns the synthesized call
// frame as data (HandlerInvocation) instead of poking bytes at
// k_stack_base-2/-5 the way update_fault_stack does; internal/irq is
// the intended caller, and is responsible for acting on that value (or,
// if none is returned, killing the thread exactly as kill_current_thread
// does).
package swexn

import (
	"pebble/internal/kerrors"
	"pebble/internal/kthread"
)

// Cause enumerates SWEXN_CAUSE_* from fault_handlers.h.
type Cause int32

const (
	CauseDivide Cause = iota
	CauseDebug
	CauseBreakpoint
	CauseOverflow
	CauseBoundcheck
	CauseOpcode
	CauseSegfault
	CauseStackfault
	CauseProtfault
	CauseFPUFault
	CauseAlignfault
	CausePagefault
)

// Ureg is the register-snapshot struct populated at fault time and
// handed to the installed handler, per spec.md section 4.7 step 1.
type Ureg struct {
	Cause          Cause
	CR2            uint32
	EAX, ECX, EDX  uint32
	EBX, ESP, EBP  uint32
	ESI, EDI, EIP  uint32
	EFLAGS         uint32
}

// eflagsIF and eflagsIOPLMask mirror the validation swexn(2) performs on
// a caller-supplied newureg before installing it.
const (
	eflagsIF       = 1 << 9
	eflagsIOPLMask = 3 << 12
)

// Resume describes the register state swexn's newureg argument asks the
// kernel to rewrite the caller's own return path to, mirroring
// setup_kernel_stack's immediate IRET-frame rewrite: a second, distinct
// calling mode from "install a handler for some future fault" — the
// syscall itself never returns normally, it resumes at Ureg.EIP/ESP with
// Ureg.EAX already sitting in the caller's return register. The facade
// (internal/kernel) is responsible for acting on a non-nil Resume.
type Resume struct {
	Ureg Ureg
}

// Install registers task's exception handler. Passing esp3==0 and
// eip==0 deregisters any existing handler, matching swexn(NULL, NULL,
// ...). newureg, when non-nil, is validated (IF must be set, IOPL must
// be 0) and, once the handler install above succeeds, returned as a
// Resume so the caller can immediately rewrite its own register state
// instead of returning through the normal syscall path.
func Install(task *kthread.Task, esp3, eip, arg uint32, newureg *Ureg) (*Resume, kerrors.Err) {
	if esp3 == 0 && eip == 0 {
		task.Swexn = kthread.SwexnHandler{}
		return nil, kerrors.OK
	}
	if newureg != nil {
		if newureg.EFLAGS&eflagsIF == 0 || newureg.EFLAGS&eflagsIOPLMask != 0 {
			return nil, kerrors.INVAL
		}
	}
	task.Swexn = kthread.SwexnHandler{
		HandlerEIP: eip,
		Arg:        arg,
		StackTop:   esp3,
		Installed:  true,
	}
	if newureg != nil {
		resume := Resume{Ureg: *newureg}
		return &resume, kerrors.OK
	}
	return nil, kerrors.OK
}

// HandlerInvocation is the synthesized call frame spec.md section 4.7
// steps 2-3 build: the handler runs as if called with (ureg_ptr, arg)
// on the exception stack, whose top is FrameBase. No bytes are written
// to that stack; the frame is described by these fields.
type HandlerInvocation struct {
	HandlerEIP uint32
	FrameBase  uint32 // the installed exception stack top; the {ureg*, arg, fault_eip} frame belongs below it
	Arg        uint32
	Ureg       Ureg
}

// Deliver handles a recoverable fault for thread/task. If a handler is
// installed, it is cleared (one-shot) and a HandlerInvocation describing
// the synthesized frame is returned with ok=true. If no handler is
// installed, ok is false and the caller must kill the thread with exit
// status -2, per kill_current_thread.
func Deliver(task *kthread.Task, cause Cause, faultEIP uint32, base Ureg) (inv HandlerInvocation, ok bool) {
	if !task.Swexn.Installed {
		return HandlerInvocation{}, false
	}
	ureg := base
	ureg.Cause = cause
	ureg.EIP = faultEIP

	inv = HandlerInvocation{
		HandlerEIP: task.Swexn.HandlerEIP,
		FrameBase:  task.Swexn.StackTop,
		Arg:        task.Swexn.Arg,
		Ureg:       ureg,
	}

	task.Swexn = kthread.SwexnHandler{} // one-shot: clear on delivery
	return inv, true
}
