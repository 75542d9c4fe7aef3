// Package pmm implements the frame allocator (spec.md component F): a
// LIFO stack of free physical user frames built over an index array,
// mirroring the teacher's Physmem_t free list (biscuit's mem.go), where a
// free frame's slot holds the index of the next free frame rather than
// needing a separate allocation per list node.
//
// Physical memory itself is backed by an anonymous, page-aligned mmap
// arena (golang.org/x/sys/unix) instead of a plain byte slice, so that a
// Frame is a real page-aligned memory region the way it is on hardware.
package pmm

import (
	"sync"

	"golang.org/x/sys/unix"
)

// PageSize is the x86-32 page size in bytes.
const PageSize = 4096

// Frame names a physical user frame by index into the arena managed by
// an Allocator. Frame 0 is the first *user* frame, not physical address
// zero — the kernel's direct-mapped region lives below the split and is
// never represented by a Frame.
type Frame uint32

// frameMeta tracks the bookkeeping for one physical frame: its refcount
// (mutated only under its own lock per spec.md's concurrency model) and,
// while free, the index of the next free frame.
type frameMeta struct {
	sync.Mutex
	refcount int
	nexti    uint32 // valid only while this frame is on the free stack
}

const noFrame = ^uint32(0)

// Allocator is the frame allocator for one kernel instance's user
// memory. The zero value is not usable; construct with New.
type Allocator struct {
	arena []byte // PageSize*count bytes, from unix.Mmap
	meta  []frameMeta

	mu       sync.Mutex // guards freeHead/freeCount only
	freeHead uint32
	freeCount int
}

// New creates an allocator managing count user frames, all initially
// free. It backs the frames with an anonymous mmap arena so that frame
// contents are addressable, zeroable memory exactly like real RAM.
func New(count int) (*Allocator, error) {
	arena, err := unix.Mmap(-1, 0, count*PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	a := &Allocator{
		arena: arena,
		meta:  make([]frameMeta, count),
	}
	a.freeHead = 0
	a.freeCount = count
	for i := 0; i < count; i++ {
		if i == count-1 {
			a.meta[i].nexti = noFrame
		} else {
			a.meta[i].nexti = uint32(i + 1)
		}
	}
	return a, nil
}

// Close releases the backing arena. Not part of spec.md; a hosted-test
// affordance so Allocators created in unit tests don't leak mappings.
func (a *Allocator) Close() error {
	return unix.Munmap(a.arena)
}

// NumFrames returns the total number of user frames this allocator manages.
func (a *Allocator) NumFrames() int {
	return len(a.meta)
}

// Allocate pops the head of the free stack. ok is false — the
// OUT-OF-MEMORY sentinel spec.md describes — when no frame is free; vmm
// surfaces that as kerrors.NOMEM.
func (a *Allocator) Allocate() (f Frame, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.freeHead == noFrame {
		return 0, false
	}
	idx := a.freeHead
	a.freeHead = a.meta[idx].nexti
	a.freeCount--
	return Frame(idx), true
}

// Deallocate pushes f back onto the free stack. f must have refcount 0
// (invariant: a frame is on the free stack iff refcount == 0).
func (a *Allocator) Deallocate(f Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.meta[f].nexti = a.freeHead
	a.freeHead = uint32(f)
	a.freeCount++
}

// Used returns the number of currently allocated frames.
func (a *Allocator) Used() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.meta) - a.freeCount
}

// Free returns the number of currently free frames.
func (a *Allocator) Free() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeCount
}

// Bytes returns the page of memory backing f. The caller must not retain
// the slice past the frame's deallocation.
func (a *Allocator) Bytes(f Frame) []byte {
	off := int(f) * PageSize
	return a.arena[off : off+PageSize]
}

// Zero clears f's backing page, as vmm.MapSegment requires for every
// newly mapped frame.
func (a *Allocator) Zero(f Frame) {
	b := a.Bytes(f)
	for i := range b {
		b[i] = 0
	}
}

// Refcount returns f's current reference count.
func (a *Allocator) Refcount(f Frame) int {
	m := &a.meta[f]
	m.Lock()
	defer m.Unlock()
	return m.refcount
}

// Refup increments f's reference count. Used whenever a new PTE comes to
// reference the frame (a fresh mapping, or a COW clone).
func (a *Allocator) Refup(f Frame) {
	m := &a.meta[f]
	m.Lock()
	defer m.Unlock()
	m.refcount++
}

// Refdown decrements f's reference count and, if it reaches zero, returns
// the frame to the free stack. It reports whether the frame was freed.
func (a *Allocator) Refdown(f Frame) bool {
	m := &a.meta[f]
	m.Lock()
	m.refcount--
	if m.refcount < 0 {
		panic("pmm: refcount went negative")
	}
	freed := m.refcount == 0
	m.Unlock()
	if freed {
		a.Deallocate(f)
	}
	return freed
}

// RefupN sets f's refcount to n; callers pass 1 for a freshly allocated
// frame. Allocate itself leaves refcount at whatever it was before the frame was freed
// (zero, by the allocator's own invariant) so callers must bump it
// themselves before installing the frame in a PTE.
func (a *Allocator) RefupN(f Frame, n int) {
	m := &a.meta[f]
	m.Lock()
	m.refcount = n
	m.Unlock()
}
