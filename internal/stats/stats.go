// Package stats implements the supplemented accounting/profiling
// component (component ST): per-task/thread CPU time accumulation and
// export as a pprof profile, the analog of the original's D_PROF device.
//
// Grounded on the teacher's accnt.Accnt_t (Userns/Sysns nanosecond
// counters, atomic adds, mutex-guarded snapshot) for the accounting
// shape; export is new, wiring github.com/google/pprof/profile per
// DESIGN.md's domain-stack section.
package stats

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/pprof/profile"
)

// Accounting accumulates one task or thread's CPU time. The zero value
// is ready to use.
type Accounting struct {
	userns int64
	sysns  int64
	mu     sync.Mutex
}

// AddUser adds delta nanoseconds of user time.
func (a *Accounting) AddUser(delta int64) { atomic.AddInt64(&a.userns, delta) }

// AddSys adds delta nanoseconds of system time.
func (a *Accounting) AddSys(delta int64) { atomic.AddInt64(&a.sysns, delta) }

// Merge folds another Accounting's totals into a. Nothing in this module
// calls it on reap; Wait does not roll a child's accounting into its
// parent's.
func (a *Accounting) Merge(n *Accounting) {
	nu := atomic.LoadInt64(&n.userns)
	ns := atomic.LoadInt64(&n.sysns)
	a.mu.Lock()
	a.userns += nu
	a.sysns += ns
	a.mu.Unlock()
}

// Snapshot is an immutable copy of an Accounting's counters at one
// instant, per spec.md's no-concurrent-aliasing export convention.
type Snapshot struct {
	UserNS int64
	SysNS  int64
}

// Snap takes a consistent snapshot of a.
func (a *Accounting) Snap() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{UserNS: a.userns, SysNS: a.sysns}
}

// TaskSample is one task's identity plus its accounting snapshot, the
// input to Profile.
type TaskSample struct {
	TaskID uint32
	Usage  Snapshot
}

// Profile serializes a point-in-time snapshot of every live task's CPU
// usage as a pprof profile: one sample per task, tagged with its task
// id, valued at total (user+sys) nanoseconds.
func Profile(samples []TaskSample) *profile.Profile {
	now := time.Now()
	p := &profile.Profile{
		TimeNanos:     now.UnixNano(),
		DurationNanos: int64(time.Second),
		SampleType: []*profile.ValueType{
			{Type: "cpu", Unit: "nanoseconds"},
		},
		PeriodType: &profile.ValueType{Type: "cpu", Unit: "nanoseconds"},
		Period:     1,
	}
	for _, s := range samples {
		p.Sample = append(p.Sample, &profile.Sample{
			Value: []int64{s.Usage.UserNS + s.Usage.SysNS},
			Label: map[string][]string{
				"task_id": {uitoa(s.TaskID)},
			},
		})
	}
	return p
}

func uitoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
