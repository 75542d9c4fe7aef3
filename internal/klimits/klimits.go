// Package klimits tracks system-wide kernel resource limits as
// atomically-adjusted counters, in the style of the teacher's
// limits.Syslimit_t.
package klimits

import "sync/atomic"

// Fixed bounds named by spec.md.
const (
	// NumArgsMax is the largest argv the kernel will copy for exec.
	NumArgsMax = 128
	// KernelStackWords sizes each thread's inlined kernel stack.
	KernelStackWords = 1024
	// TidHashBuckets sizes the thread-id hashmap (component T).
	TidHashBuckets = 509
	// DriverHashBuckets sizes the driver-id hashmap (component UD).
	DriverHashBuckets = 127
	// DriverQueueDepth bounds a driver's pending-message FIFO.
	DriverQueueDepth = 64
)

// Atomic is a resource limit that can be taken from and given back to
// concurrently, mirroring limits.Sysatomic_t.
type Atomic struct {
	remaining int64
}

// NewAtomic returns a counter initialized to n.
func NewAtomic(n int64) *Atomic {
	return &Atomic{remaining: n}
}

// Take decrements the counter by n and reports whether it stayed
// non-negative; on failure the counter is restored.
func (a *Atomic) Take(n int64) bool {
	if atomic.AddInt64(&a.remaining, -n) >= 0 {
		return true
	}
	atomic.AddInt64(&a.remaining, n)
	return false
}

// Give returns n units to the counter.
func (a *Atomic) Give(n int64) {
	atomic.AddInt64(&a.remaining, n)
}

// Remaining returns a snapshot of the counter.
func (a *Atomic) Remaining() int64 {
	return atomic.LoadInt64(&a.remaining)
}

// Syslimit holds the default system-wide limits for a Kernel instance.
type Syslimit struct {
	// Tasks bounds the number of live tasks.
	Tasks *Atomic
	// Threads bounds the number of live threads.
	Threads *Atomic
	// Drivers bounds the number of dynamically assigned driver ids.
	Drivers *Atomic
}

// NewSyslimit returns the default limit set used unless a Kernel is
// constructed with overrides.
func NewSyslimit() *Syslimit {
	return &Syslimit{
		Tasks:   NewAtomic(1 << 14),
		Threads: NewAtomic(1 << 16),
		Drivers: NewAtomic(1 << 12),
	}
}
