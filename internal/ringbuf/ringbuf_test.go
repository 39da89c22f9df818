package ringbuf

import (
	"sync"
	"testing"
	"time"
)

func TestRing_BasicPushPop(t *testing.T) {
	r := New[string](4) // rounds to 4

	if !r.Push("A") {
		t.Fatal("push A should succeed")
	}
	if !r.Push("B") {
		t.Fatal("push B should succeed")
	}

	if r.Len() != 2 {
		t.Fatalf("expected len=2, got %d", r.Len())
	}

	got, ok := r.Pop()
	if !ok || got != "A" {
		t.Fatalf("expected A, got %v ok=%v", got, ok)
	}

	got, ok = r.Pop()
	if !ok || got != "B" {
		t.Fatalf("expected B, got %v ok=%v", got, ok)
	}

	_, ok = r.Pop()
	if ok {
		t.Fatal("pop from empty should return false")
	}
}

func TestRing_Overflow(t *testing.T) {
	r := New[int](2) // capacity = 2

	r.Push(1)
	r.Push(2)

	if r.Push(3) {
		t.Fatal("push to full buffer should return false")
	}
	if r.Overflow() != 1 {
		t.Fatalf("expected overflow=1, got %d", r.Overflow())
	}
}

func TestRing_PushOverwrite_EvictsOldest(t *testing.T) {
	r := New[int](2)

	r.Push(1)
	r.Push(2)

	evicted := r.PushOverwrite(3)
	if !evicted {
		t.Fatal("expected PushOverwrite to report an eviction on a full buffer")
	}
	if r.Overflow() != 1 {
		t.Fatalf("expected overflow=1, got %d", r.Overflow())
	}

	first, ok := r.Pop()
	if !ok || first != 2 {
		t.Fatalf("expected the oldest (1) to have been evicted, leaving 2 first, got %v ok=%v", first, ok)
	}
	second, ok := r.Pop()
	if !ok || second != 3 {
		t.Fatalf("expected 3 after 2, got %v ok=%v", second, ok)
	}
}

func TestRing_Wraparound(t *testing.T) {
	r := New[int](4)

	for round := 0; round < 5; round++ {
		for i := 0; i < 4; i++ {
			if !r.Push(round*10 + i) {
				t.Fatalf("round %d push %d failed", round, i)
			}
		}
		for i := 0; i < 4; i++ {
			v, ok := r.Pop()
			if !ok {
				t.Fatalf("round %d pop %d failed", round, i)
			}
			if v != round*10+i {
				t.Fatalf("round %d pop %d: expected %d, got %d", round, i, round*10+i, v)
			}
		}
	}
}

func TestRing_MPSC_Concurrent(t *testing.T) {
	const perProducer = 20_000
	const producers = 4
	r := New[int](1024)

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				for !r.Push(i) {
					// spin-wait: test only, production callers use PushOverwrite
					// or accept the drop.
				}
			}
		}()
	}

	producersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(producersDone)
	}()

	total := producers * perProducer
	received := 0
	deadline := time.Now().Add(10 * time.Second)
	for received < total {
		if _, ok := r.Pop(); ok {
			received++
			continue
		}
		select {
		case <-producersDone:
		default:
		}
		if time.Now().After(deadline) {
			t.Fatalf("MPSC test timed out with %d/%d received", received, total)
		}
	}
}

func TestRing_NextPow2(t *testing.T) {
	cases := []struct{ in, want int }{
		{0, 1}, {1, 1}, {2, 2}, {3, 4}, {5, 8}, {7, 8}, {8, 8}, {9, 16}, {1023, 1024},
	}
	for _, tc := range cases {
		got := nextPow2(tc.in)
		if got != tc.want {
			t.Errorf("nextPow2(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
