package sched

import (
	"testing"
	"time"

	"pebble/internal/klist"
	"pebble/internal/kthread"
)

func newTestThread(id uint32) *kthread.Thread {
	return kthread.NewThread(id, nil)
}

// TestRunqueueFIFOOrder starts three worker goroutines, each initially
// parked waiting to be scheduled, and drives them from an idle "main"
// goroutine. Each worker records its id then retires, handing control
// back. The recorded order must match FIFO enqueue order.
func TestRunqueueFIFOOrder(t *testing.T) {
	idle := newTestThread(0)
	s := New(idle)

	a, b, c := newTestThread(1), newTestThread(2), newTestThread(3)
	order := make(chan uint32, 3)

	for _, th := range []*kthread.Thread{a, b, c} {
		go func(th *kthread.Thread) {
			<-th.Resumed
			order <- th.ID
			s.Retire(th)
		}(th)
	}

	s.MakeRunnable(a)
	s.MakeRunnable(b)
	s.MakeRunnable(c)

	// A single ContextSwitch from idle hands off to a, which retires
	// into b, which retires into c, which retires back into idle —
	// idle's call only returns once that whole chain bubbles back.
	s.ContextSwitch()

	got := []uint32{}
	for i := 0; i < 3; i++ {
		select {
		case id := <-order:
			got = append(got, id)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for worker order")
		}
	}
	want := []uint32{1, 2, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", got, want)
		}
	}
}

func TestSleepQueueOrderedByWakeTime(t *testing.T) {
	idle := newTestThread(0)
	s := New(idle)

	late := newTestThread(1)
	late.WakeTime = 300
	mid := newTestThread(2)
	mid.WakeTime = 200
	early := newTestThread(3)
	early.WakeTime = 100

	s.mu.Lock()
	s.insertSleepLocked(late)
	s.insertSleepLocked(early)
	s.insertSleepLocked(mid)
	s.mu.Unlock()

	got := []uint32{}
	s.sleepq.Each(func(l *klist.Link) { got = append(got, l.Host().(*kthread.Thread).ID) })
	want := []uint32{3, 2, 1}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sleep queue order = %v, want %v", got, want)
		}
	}
}

func TestDriverPriorityPreemptsRunqueue(t *testing.T) {
	idle := newTestThread(0)
	s := New(idle)

	runq := newTestThread(1)
	driver := newTestThread(2)
	order := make(chan uint32, 2)

	for _, th := range []*kthread.Thread{runq, driver} {
		go func(th *kthread.Thread) {
			<-th.Resumed
			order <- th.ID
			s.Retire(th)
		}(th)
	}

	s.MakeRunnable(runq)
	s.MakeDriverPriority(driver)

	s.ContextSwitch()

	first := <-order
	if first != driver.ID {
		t.Fatalf("driver-priority thread should run first, got %d", first)
	}
}
