package vmm

import (
	"testing"

	"pebble/internal/pmm"
)

func newTestVMM(t *testing.T, frames int) *VMM {
	t.Helper()
	a, err := pmm.New(frames)
	if err != nil {
		t.Fatalf("pmm.New: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return New(a, 4*PtSpan, 0xC0000000)
}

func TestMapSegmentAndWritable(t *testing.T) {
	v := newTestVMM(t, 16)
	as := v.CreatePageDirectory()

	const va = 0x10000000
	if err := v.MapSegment(as, va, PageSize, PteFlags{Writable: true}); err != 0 {
		t.Fatalf("MapSegment: %v", err)
	}
	if !v.IsRangeMapped(as, va, PageSize) {
		t.Fatal("expected range mapped")
	}
	if !v.IsWritable(as, va, PageSize) {
		t.Fatal("expected range writable")
	}
	if v.IsWritable(as, va+PageSize, PageSize) {
		t.Fatal("unmapped range should not be writable")
	}
}

// TestForkWriteCOW exercises spec.md scenario 1: fork clones a writable
// page as COW shared between parent and child; the child's first write
// triggers HandleCOW, which must not perturb the parent's copy.
func TestForkWriteCOW(t *testing.T) {
	v := newTestVMM(t, 16)
	parent := v.CreatePageDirectory()

	const va = 0x20000000
	if err := v.MapSegment(parent, va, PageSize, PteFlags{Writable: true}); err != 0 {
		t.Fatalf("MapSegment: %v", err)
	}
	pt, _ := v.segTableFor(parent, va, false)
	i := ptIndex(va)
	frame := pt.Entries[i].FrameIndex()
	v.Frames.Bytes(pmm.Frame(frame))[0] = 0x42

	child := v.ClonePagingInfo(parent)

	parentPte := pt.Entries[i]
	if parentPte.Writable() || !parentPte.Cow() {
		t.Fatalf("parent page should be RW=false COW=true after clone, got %+v", parentPte)
	}
	if v.Frames.Refcount(pmm.Frame(frame)) != 2 {
		t.Fatalf("refcount after clone = %d, want 2", v.Frames.Refcount(pmm.Frame(frame)))
	}

	childPt, _ := v.segTableFor(child, va, false)
	childPte := childPt.Entries[i]
	if childPte.FrameIndex() != frame || !childPte.Cow() {
		t.Fatalf("child should share frame %d as COW, got %+v", frame, childPte)
	}

	if err := v.HandleCOW(child, va); err != 0 {
		t.Fatalf("HandleCOW: %v", err)
	}
	childPte = childPt.Entries[i]
	if childPte.FrameIndex() == frame {
		t.Fatal("child should have been given a new frame")
	}
	if !childPte.Writable() || childPte.Cow() {
		t.Fatalf("child page should be RW after COW fault, got %+v", childPte)
	}
	if v.Frames.Bytes(pmm.Frame(frame))[0] != 0x42 {
		t.Fatal("parent's original frame contents must be unchanged")
	}
	if v.Frames.Refcount(pmm.Frame(frame)) != 1 {
		t.Fatalf("parent frame refcount after child COW = %d, want 1", v.Frames.Refcount(pmm.Frame(frame)))
	}
}

// TestHandleCOWSoleOwnerFastPath covers the refcount==1 branch: no new
// frame is allocated, the existing one is simply reopened for writing.
func TestHandleCOWSoleOwnerFastPath(t *testing.T) {
	v := newTestVMM(t, 16)
	as := v.CreatePageDirectory()
	const va = 0x30000000
	v.MapSegment(as, va, PageSize, PteFlags{Writable: true})

	pt, _ := v.segTableFor(as, va, false)
	i := ptIndex(va)
	frame := pt.Entries[i].FrameIndex()
	pt.Entries[i] = pt.Entries[i].WithWritable(false).WithCow(true)

	if err := v.HandleCOW(as, va); err != 0 {
		t.Fatalf("HandleCOW: %v", err)
	}
	got := pt.Entries[i]
	if got.FrameIndex() != frame {
		t.Fatal("sole-owner COW fault must not reallocate the frame")
	}
	if !got.Writable() || got.Cow() {
		t.Fatalf("page should be RW, non-COW after fault, got %+v", got)
	}
}

func TestNewPagesSingleAndMultiPageRemoval(t *testing.T) {
	v := newTestVMM(t, 16)
	as := v.CreatePageDirectory()

	const single = 0x40000000
	if err := v.NewPages(as, single, 1); err != 0 {
		t.Fatalf("NewPages(1): %v", err)
	}
	pt, _ := v.segTableFor(as, single, false)
	if pt.Entries[ptIndex(single)].Newpage() != NewpageStart {
		t.Fatal("single-page region must be tagged NEWPAGE_START (START applied after END)")
	}
	if err := v.RemovePages(as, single); err != 0 {
		t.Fatalf("RemovePages(single): %v", err)
	}
	if v.IsRangeMapped(as, single, PageSize) {
		t.Fatal("single-page region should be unmapped after RemovePages")
	}

	const multi = 0x50000000
	if err := v.NewPages(as, multi, 3); err != 0 {
		t.Fatalf("NewPages(3): %v", err)
	}
	pt, _ = v.segTableFor(as, multi, false)
	if pt.Entries[ptIndex(multi)].Newpage() != NewpageStart {
		t.Fatal("base page should be tagged NEWPAGE_START")
	}
	if pt.Entries[ptIndex(multi+PageSize)].Newpage() != NewpagePage {
		t.Fatal("middle page should be tagged NEWPAGE_PAGE")
	}
	if pt.Entries[ptIndex(multi+2*PageSize)].Newpage() != NewpageEnd {
		t.Fatal("last page should be tagged NEWPAGE_END")
	}
	if err := v.RemovePages(as, multi); err != 0 {
		t.Fatalf("RemovePages(multi): %v", err)
	}
	if v.IsRangeMapped(as, multi, 3*PageSize) {
		t.Fatal("multi-page region should be fully unmapped after RemovePages")
	}
}

func TestMmapRejectsUnaligned(t *testing.T) {
	v := newTestVMM(t, 4)
	as := v.CreatePageDirectory()
	if err := v.Mmap(as, 1, 0x60000000, PageSize); err == 0 {
		t.Fatal("expected INVAL for unaligned physical address")
	}
}
