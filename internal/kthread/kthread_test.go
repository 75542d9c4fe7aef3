package kthread

import "testing"

func TestTaskIDEqualsFirstThreadID(t *testing.T) {
	tb := NewTable()
	tid := tb.AllocID()
	task := NewTask(tid, nil, nil)
	th := NewThread(tid, task)
	task.AddThread(th)
	tb.Insert(th)

	if task.ID != th.ID {
		t.Fatalf("task.ID = %d, want %d (first thread's id)", task.ID, th.ID)
	}
	if task.FirstThread != th {
		t.Fatal("FirstThread should be the thread just added")
	}
	got, ok := tb.Lookup(tid)
	if !ok || got != th {
		t.Fatal("lookup should find the inserted thread")
	}
}

func TestRemoveThreadReportsLast(t *testing.T) {
	tb := NewTable()
	task := NewTask(tb.AllocID(), nil, nil)
	a := NewThread(tb.AllocID(), task)
	b := NewThread(tb.AllocID(), task)
	task.AddThread(a)
	task.AddThread(b)

	if task.RemoveThread(a) {
		t.Fatal("removing one of two threads should not report 'last'")
	}
	if !task.RemoveThread(b) {
		t.Fatal("removing the final thread should report 'last'")
	}
}

func TestTableLookupMiss(t *testing.T) {
	tb := NewTable()
	if _, ok := tb.Lookup(12345); ok {
		t.Fatal("lookup of unknown tid should miss")
	}
}

func TestChildListMembership(t *testing.T) {
	parent := NewTask(1, nil, nil)
	child := NewTask(2, parent, nil)

	parent.ChildListLock.Lock()
	parent.AliveChildren.PushBack(&child.ChildLink)
	parent.ChildListLock.Unlock()

	if parent.AliveChildren.Len() != 1 {
		t.Fatalf("alive children = %d, want 1", parent.AliveChildren.Len())
	}
	got := parent.AliveChildren.Front().Host().(*Task)
	if got != child {
		t.Fatal("expected to find child in alive_children")
	}
}
