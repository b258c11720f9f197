package kheap

import "testing"

func TestHeapOrdersByValueThenShardThenSeq(t *testing.T) {
	h := New(func(a, b int) bool { return a < b })
	h.Push(Entry[int]{Value: 5, ShardIndex: 0, Seq: 0})
	h.Push(Entry[int]{Value: 2, ShardIndex: 1, Seq: 0})
	h.Push(Entry[int]{Value: 2, ShardIndex: 0, Seq: 1})
	h.Push(Entry[int]{Value: 3, ShardIndex: 2, Seq: 0})

	want := []Entry[int]{
		{Value: 2, ShardIndex: 0, Seq: 1},
		{Value: 2, ShardIndex: 1, Seq: 0},
		{Value: 3, ShardIndex: 2, Seq: 0},
		{Value: 5, ShardIndex: 0, Seq: 0},
	}
	for i, w := range want {
		got, ok := h.Pop()
		if !ok {
			t.Fatalf("pop %d: heap unexpectedly empty", i)
		}
		if got != w {
			t.Fatalf("pop %d: got %+v, want %+v", i, got, w)
		}
	}
	if _, ok := h.Pop(); ok {
		t.Fatal("expected heap to be empty")
	}
}

func TestHeapLenTracksPushPop(t *testing.T) {
	h := New(func(a, b int) bool { return a < b })
	if h.Len() != 0 {
		t.Fatalf("Len = %d, want 0", h.Len())
	}
	h.Push(Entry[int]{Value: 1})
	h.Push(Entry[int]{Value: 2})
	if h.Len() != 2 {
		t.Fatalf("Len = %d, want 2", h.Len())
	}
	h.Pop()
	if h.Len() != 1 {
		t.Fatalf("Len = %d, want 1", h.Len())
	}
}
