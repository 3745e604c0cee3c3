package buffer

import "testing"

func TestRingOverwritesOldest(t *testing.T) {
	ring := NewRing[int](3)
	for i := 1; i <= 5; i++ {
		ring.Add(i)
	}

	got := ring.List()
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestRingLast(t *testing.T) {
	ring := NewRing[string](4)
	ring.Add("a")
	ring.Add("b")
	ring.Add("c")

	got := ring.Last(2)
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("expected [b c], got %v", got)
	}
	if all := ring.Last(10); len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}
}

func TestRingZeroSize(t *testing.T) {
	ring := NewRing[int](0)
	if ring.Cap() != 1 {
		t.Fatalf("expected capacity 1, got %d", ring.Cap())
	}
	ring.Add(1)
	ring.Add(2)
	if got := ring.List(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("expected [2], got %v", got)
	}
}

func TestNilRing(t *testing.T) {
	var ring *Ring[int]
	ring.Add(1)
	if ring.Len() != 0 || ring.List() != nil {
		t.Fatal("expected nil ring to be empty")
	}
}

func TestRingPushReportsEvicted(t *testing.T) {
	ring := NewRing[int](2)
	if _, evicted := ring.Push(1); evicted {
		t.Fatal("expected no eviction while filling")
	}
	ring.Push(2)
	oldest, evicted := ring.Push(3)
	if !evicted || oldest != 1 {
		t.Fatalf("expected 1 to be evicted, got %d %v", oldest, evicted)
	}
	if got := ring.List(); len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("expected [2 3], got %v", got)
	}
}
