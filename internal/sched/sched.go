// Package sched implements spec.md component S: the single-CPU
// preemptive scheduler and context switch.
//
// The real kernel runs one hardware CPU and context_switch swaps a
// suspended thread's stack pointer for the next thread's. Hosted on the
// Go runtime, each kernel thread is instead a goroutine; the "single
// CPU" constraint is enforced by a baton: exactly one thread's goroutine
// is ever unblocked at a time, handed off via a per-thread wake channel
// (internal/kthread.Thread.Resumed) instead of an eip/esp swap. This
// keeps spec.md's "exactly one thread has status RUNNING at any time"
// invariant exactly, just by blocking goroutines rather than swapping
// registers.
//
// Grounded on original_source/kern/core/scheduler.c for the next_thread
// priority order (driver-priority, then sleep queue, then runqueue, then
// idle) and the sleep-queue-ordered-by-wake_time design; the C file's
// lock-free "transient detach" trick for sleep-queue insertion is a
// workaround for interrupts needing to observe a valid list at all
// times mid-insert — since this package holds the scheduler's own mutex
// across the whole insert, that workaround has no Go analog and is not
// reproduced.
package sched

import (
	"sync"
	"sync/atomic"

	"pebble/internal/klist"
	"pebble/internal/kthread"
)

// Scheduler owns the runqueue, sleep queue, driver-priority queue, and
// the single "current thread" pointer for one kernel instance.
type Scheduler struct {
	mu      sync.Mutex
	runq    klist.List
	sleepq  klist.List // ordered by Thread.WakeTime ascending
	driverq klist.List // FIFO of threads with a pending driver interrupt

	idle    *kthread.Thread
	current *kthread.Thread

	ticks uint64
}

// New creates a scheduler whose current thread is idle. idle never
// appears on the runqueue; next_thread falls back to it when every
// other queue is empty.
func New(idle *kthread.Thread) *Scheduler {
	s := &Scheduler{idle: idle}
	s.runq.Init()
	s.sleepq.Init()
	s.driverq.Init()
	s.current = idle
	idle.Status = kthread.Running
	return s
}

// Current returns the thread presently RUNNING.
func (s *Scheduler) Current() *kthread.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Ticks returns the timer tick count, GetTicks' backing counter.
func (s *Scheduler) Ticks() uint64 { return atomic.LoadUint64(&s.ticks) }

// MakeRunnable appends t to the runqueue tail.
func (s *Scheduler) MakeRunnable(t *kthread.Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Status = kthread.Runnable
	s.runq.PushBack(&t.RunqLink)
}

// MakeDriverPriority appends t to the driver-priority queue: a thread
// that was blocked in udriver.Wait and has since received an interrupt,
// per spec.md section 4.3 tier 1.
func (s *Scheduler) MakeDriverPriority(t *kthread.Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Status = kthread.Runnable
	s.driverq.PushBack(&t.DriverLink)
}

// SleepUntil marks t WAITING with the given wake time and inserts it
// into the sleep queue in wake_time order, then yields the CPU. The
// caller must be the current thread.
func (s *Scheduler) SleepUntil(t *kthread.Thread, wakeTime int64) {
	s.mu.Lock()
	t.Status = kthread.Waiting
	t.WakeTime = wakeTime
	s.insertSleepLocked(t)
	s.mu.Unlock()
	s.ContextSwitch()
}

func (s *Scheduler) insertSleepLocked(t *kthread.Thread) {
	var before *klist.Link
	s.sleepq.Each(func(l *klist.Link) {
		if before == nil && l.Host().(*kthread.Thread).WakeTime > t.WakeTime {
			before = l
		}
	})
	if before == nil {
		s.sleepq.PushBack(&t.SleepLink)
		return
	}
	// Insert immediately before `before`: splice by rebuilding the tail.
	// klist has no direct insert-before; emulate it by popping everything
	// from before onward, pushing t, then the rest back in order.
	var tail []*klist.Link
	draining := false
	s.sleepq.Each(func(l *klist.Link) {
		if l == before {
			draining = true
		}
		if draining {
			tail = append(tail, l)
		}
	})
	for _, l := range tail {
		klist.Remove(l)
	}
	s.sleepq.PushBack(&t.SleepLink)
	for _, l := range tail {
		s.sleepq.PushBack(l)
	}
}

// nextThreadLocked implements next_thread()'s four-tier priority order.
// now is the caller's notion of the current tick count, used to decide
// whether the sleep queue's head has woken.
func (s *Scheduler) nextThreadLocked(now int64) *kthread.Thread {
	if l := s.driverq.PopFront(); l != nil {
		return l.Host().(*kthread.Thread)
	}
	if l := s.sleepq.Front(); l != nil {
		th := l.Host().(*kthread.Thread)
		if th.WakeTime <= now {
			klist.Remove(l)
			return th
		}
	}
	if l := s.runq.PopFront(); l != nil {
		return l.Host().(*kthread.Thread)
	}
	return s.idle
}

// ContextSwitch runs with the scheduler's lock held only long enough to
// pick the next thread and update bookkeeping, per spec.md section 4.3.
// If the caller is still RUNNING and is not idle, it is marked RUNNABLE
// and appended to the runqueue before the switch. The calling goroutine
// blocks until it is resumed by a future ContextSwitch choosing it
// again.
func (s *Scheduler) ContextSwitch() {
	s.mu.Lock()
	cur := s.current
	next := s.nextThreadLocked(int64(atomic.LoadUint64(&s.ticks)))
	if cur == next {
		s.mu.Unlock()
		return
	}
	if cur.Status == kthread.Running && cur != s.idle {
		cur.Status = kthread.Runnable
		s.runq.PushBack(&cur.RunqLink)
	}
	next.Status = kthread.Running
	s.current = next
	s.mu.Unlock()

	wake(next)
	if cur.Status != kthread.Exited {
		park(cur)
	}
}

// Deschedule marks t DESCHEDULED and switches away from it. t is not
// re-enqueued on any queue; only a future MakeRunnable(t) will make it
// runnable again, per spec.md's deschedule/make_runnable contract.
func (s *Scheduler) Deschedule(t *kthread.Thread) {
	s.mu.Lock()
	t.Status = kthread.Descheduled
	s.mu.Unlock()
	s.ContextSwitch()
}

// Yield is the yield(-1) syscall: if the caller is the only runnable
// thread (every queue empty), it returns immediately without switching,
// per spec.md's documented behavior.
func (s *Scheduler) Yield() {
	s.mu.Lock()
	empty := s.runq.Empty() && s.sleepq.Empty() && s.driverq.Empty()
	s.mu.Unlock()
	if empty {
		return
	}
	s.ContextSwitch()
}

// Tick acknowledges a timer interrupt: increments the tick counter and
// forces a context switch.
func (s *Scheduler) Tick() {
	atomic.AddUint64(&s.ticks, 1)
	s.ContextSwitch()
}

func wake(t *kthread.Thread) {
	select {
	case t.Resumed <- struct{}{}:
	default:
	}
}

func park(t *kthread.Thread) {
	<-t.Resumed
}

// Retire removes t from scheduling entirely without re-enqueuing it —
// vanish's final step, switching away from a thread that will never run
// again.
func (s *Scheduler) Retire(t *kthread.Thread) {
	s.mu.Lock()
	t.Status = kthread.Exited
	klist.Remove(&t.RunqLink)
	klist.Remove(&t.SleepLink)
	klist.Remove(&t.DriverLink)
	next := s.nextThreadLocked(int64(atomic.LoadUint64(&s.ticks)))
	s.current = next
	next.Status = kthread.Running
	s.mu.Unlock()
	wake(next)
}
