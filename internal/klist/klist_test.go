package klist

import "testing"

type elem struct {
	id   int
	link Link
}

func newElem(id int) *elem {
	e := &elem{id: id}
	e.link.SetHost(e)
	return e
}

func TestPushPopOrder(t *testing.T) {
	var lst List
	lst.Init()

	a, b, c := newElem(1), newElem(2), newElem(3)
	lst.PushBack(&a.link)
	lst.PushBack(&b.link)
	lst.PushBack(&c.link)

	if lst.Len() != 3 {
		t.Fatalf("len = %d, want 3", lst.Len())
	}

	for _, want := range []int{1, 2, 3} {
		l := lst.PopFront()
		if l == nil {
			t.Fatalf("want element %d, got empty list", want)
		}
		got := l.Host().(*elem).id
		if got != want {
			t.Fatalf("pop order: got %d want %d", got, want)
		}
	}
	if !lst.Empty() {
		t.Fatal("list should be empty after draining")
	}
}

func TestRemoveMidList(t *testing.T) {
	var lst List
	lst.Init()
	a, b, c := newElem(1), newElem(2), newElem(3)
	lst.PushBack(&a.link)
	lst.PushBack(&b.link)
	lst.PushBack(&c.link)

	Remove(&b.link)
	if b.link.InList() {
		t.Fatal("removed link should report not in list")
	}
	if lst.Len() != 2 {
		t.Fatalf("len = %d, want 2", lst.Len())
	}

	got := []int{}
	lst.Each(func(l *Link) { got = append(got, l.Host().(*elem).id) })
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("unexpected order after remove: %v", got)
	}
}

func TestConcat(t *testing.T) {
	var dst, src List
	dst.Init()
	src.Init()

	a := newElem(1)
	dst.PushBack(&a.link)
	c, d := newElem(3), newElem(4)
	src.PushBack(&c.link)
	src.PushBack(&d.link)

	dst.Concat(&src)

	if !src.Empty() {
		t.Fatal("src should be empty after concat")
	}
	got := []int{}
	dst.Each(func(l *Link) { got = append(got, l.Host().(*elem).id) })
	want := []int{1, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestConcatEmptySrc(t *testing.T) {
	var dst, src List
	dst.Init()
	src.Init()
	a := newElem(1)
	dst.PushBack(&a.link)
	dst.Concat(&src)
	if dst.Len() != 1 {
		t.Fatalf("concat of empty src should be a no-op, len = %d", dst.Len())
	}
}
