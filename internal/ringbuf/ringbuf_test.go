package ringbuf

import "testing"

func TestRing_BasicPush(t *testing.T) {
	r := New[int](4)

	for i := 1; i <= 3; i++ {
		if _, ok := r.Push(i); ok {
			t.Fatalf("push %d should not evict", i)
		}
	}
	if r.Len() != 3 {
		t.Fatalf("expected len=3, got %d", r.Len())
	}
	if r.At(0) != 1 || r.At(2) != 3 {
		t.Fatalf("unexpected order: %v", r.Slice())
	}
	if *r.Last() != 3 {
		t.Fatalf("expected last=3, got %d", *r.Last())
	}
}

func TestRing_EvictsOldestFirst(t *testing.T) {
	r := New[int](3)

	var evicted []int
	for i := 1; i <= 7; i++ {
		if v, ok := r.Push(i); ok {
			evicted = append(evicted, v)
		}
	}

	got := r.Slice()
	want := []int{5, 6, 7}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	for i, v := range evicted {
		if v != i+1 {
			t.Fatalf("eviction order: expected %d at %d, got %d", i+1, i, v)
		}
	}
}

func TestRing_LastInPlace(t *testing.T) {
	r := New[int](2)
	if r.Last() != nil {
		t.Fatal("empty ring should have nil Last")
	}
	r.Push(10)
	r.Push(20)
	r.Push(30) // wraps
	*r.Last() = 31

	if got := r.Slice(); got[0] != 20 || got[1] != 31 {
		t.Fatalf("unexpected contents %v", got)
	}
}

func TestRing_SliceIsCopy(t *testing.T) {
	r := New[int](2)
	r.Push(1)
	s := r.Slice()
	s[0] = 99
	if r.At(0) != 1 {
		t.Fatal("Slice must not alias the ring storage")
	}
}

func TestRing_Reset(t *testing.T) {
	r := New[string](2)
	r.Push("a")
	r.Push("b")
	r.Push("c")
	r.Reset()
	if r.Len() != 0 {
		t.Fatalf("expected empty ring after reset, got %d", r.Len())
	}
	r.Push("d")
	if r.At(0) != "d" {
		t.Fatalf("unexpected element after reset: %q", r.At(0))
	}
}

func TestRing_MinCapacity(t *testing.T) {
	if New[int](0).Cap() != 1 {
		t.Fatal("capacity should be clamped to 1")
	}
}

func TestRing_AtOutOfRangePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	New[int](2).At(0)
}
