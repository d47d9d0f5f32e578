package shmring

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"sync"
	"testing"
)

func seq(from, n, width int) []float64 {
	out := make([]float64, 0, n*width)
	for i := 0; i < n; i++ {
		for j := 0; j < width; j++ {
			out = append(out, float64((from+i)*10+j))
		}
	}
	return out
}

func TestRing_OrderingAcrossWrap(t *testing.T) {
	r, err := NewLocal(7, 3, PolicyReject)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	var pushed, popped []float64
	next := 0
	for _, n := range []int{3, 4, 2, 5, 7, 1, 6} {
		batch := seq(next, n, 3)
		next += n
		if _, err := r.Push(batch); err != nil {
			t.Fatalf("push %d: %v", n, err)
		}
		pushed = append(pushed, batch...)

		occ := r.Occupancy()
		got, err := r.PopRange(occ.Head, occ.Tail)
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		popped = append(popped, got...)
		if err := r.AdvanceHead(occ.Tail); err != nil {
			t.Fatalf("advance: %v", err)
		}
	}

	if !reflect.DeepEqual(pushed, popped) {
		t.Fatalf("popped data differs from pushed data\npushed=%v\npopped=%v", pushed, popped)
	}
}

func TestRing_OverwritePolicy(t *testing.T) {
	r, err := NewLocal(4, 2, PolicyOverwrite)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	if _, err := r.Push(seq(0, 3, 2)); err != nil {
		t.Fatalf("push: %v", err)
	}
	dropped, err := r.Push(seq(3, 3, 2))
	if err != nil {
		t.Fatalf("overflowing push must not fail: %v", err)
	}
	if dropped != 2 {
		t.Fatalf("expected 2 dropped records, got %d", dropped)
	}

	occ := r.Occupancy()
	if occ.Tail-occ.Head != 4 {
		t.Fatalf("expected tail-head == capacity, got head=%d tail=%d", occ.Head, occ.Tail)
	}
	got, err := r.PopRange(occ.Head, occ.Tail)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if want := seq(2, 4, 2); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected newest records %v, got %v", want, got)
	}

	t.Run("pushLargerThanCapacity", func(t *testing.T) {
		if _, err := r.Push(seq(100, 9, 2)); err != nil {
			t.Fatalf("push: %v", err)
		}
		occ := r.Occupancy()
		if occ.Tail-occ.Head != 4 {
			t.Fatalf("expected full ring, got %+v", occ)
		}
		got, _ := r.PopRange(occ.Head, occ.Tail)
		if want := seq(105, 4, 2); !reflect.DeepEqual(got, want) {
			t.Fatalf("expected last 4 records %v, got %v", want, got)
		}
	})

	t.Run("staleRange", func(t *testing.T) {
		_, err := r.PopRange(0, 1)
		if !errors.Is(err, ErrStaleRange) {
			t.Fatalf("expected ErrStaleRange, got %v", err)
		}
	})
}

func TestRing_RejectPolicy(t *testing.T) {
	r, err := NewLocal(4, 1, PolicyReject)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	if _, err := r.Push([]float64{1, 2, 3}); err != nil {
		t.Fatalf("push: %v", err)
	}

	_, err = r.Push([]float64{4, 5})
	if !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}

	occ := r.Occupancy()
	if occ.Head != 0 || occ.Tail != 3 {
		t.Fatalf("reject must leave indices unchanged, got %+v", occ)
	}
	got, err := r.PopRange(0, 3)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if !reflect.DeepEqual(got, []float64{1, 2, 3}) {
		t.Fatalf("reject must leave contents unchanged, got %v", got)
	}
}

func TestRing_BadInput(t *testing.T) {
	r, _ := NewLocal(4, 2, PolicyReject)

	if _, err := r.Push([]float64{1, 2, 3}); !errors.Is(err, ErrRecordWidth) {
		t.Fatalf("expected ErrRecordWidth, got %v", err)
	}
	if _, err := r.PopRange(0, 1); !errors.Is(err, ErrBadRange) {
		t.Fatalf("expected ErrBadRange beyond tail, got %v", err)
	}
	if err := r.AdvanceHead(1); !errors.Is(err, ErrBadRange) {
		t.Fatalf("expected ErrBadRange, got %v", err)
	}
	if _, err := NewLocal(0, 1, PolicyReject); err == nil {
		t.Fatalf("expected error for zero capacity")
	}
}

func TestRing_Reset(t *testing.T) {
	r, _ := NewLocal(4, 1, PolicyOverwrite)
	r.Push([]float64{1, 2, 3, 4, 5})
	r.Reset()

	occ := r.Occupancy()
	if occ.Head != 0 || occ.Tail != 0 || occ.Unread != 0 {
		t.Fatalf("expected empty ring after reset, got %+v", occ)
	}
	if r.Dropped() != 0 {
		t.Fatalf("expected dropped counter reset, got %d", r.Dropped())
	}
	for i, v := range r.data {
		if v != 0 {
			t.Fatalf("expected zeroed data, slot %d = %v", i, v)
		}
	}
}

func TestRing_UseAfterClose(t *testing.T) {
	r, _ := NewLocal(4, 1, PolicyReject)
	if _, err := r.Push([]float64{1, 2}); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !r.Closed() {
		t.Fatal("Closed() = false after Close")
	}
	if occ := r.Occupancy(); occ != (Occupancy{}) {
		t.Errorf("Occupancy after close = %+v", occ)
	}
	if _, err := r.Push([]float64{3}); !errors.Is(err, ErrClosed) {
		t.Errorf("Push after close = %v, want ErrClosed", err)
	}
	if _, err := r.PopRange(0, 1); !errors.Is(err, ErrClosed) {
		t.Errorf("PopRange after close = %v, want ErrClosed", err)
	}
	if err := r.AdvanceHead(1); !errors.Is(err, ErrClosed) {
		t.Errorf("AdvanceHead after close = %v, want ErrClosed", err)
	}
	r.Reset()
	if err := r.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestRing_ConcurrentProducerConsumer(t *testing.T) {
	r, _ := NewLocal(64, 2, PolicyReject)
	const total = 5000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; {
			if _, err := r.Push(seq(i, 1, 2)); err == nil {
				i++
			}
		}
	}()

	var got []float64
	for len(got) < total*2 {
		occ := r.Occupancy()
		if occ.Unread == 0 {
			continue
		}
		rows, err := r.PopRange(occ.Head, occ.Tail)
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		got = append(got, rows...)
		r.AdvanceHead(occ.Tail)
	}
	wg.Wait()

	if want := seq(0, total, 2); !reflect.DeepEqual(got, want) {
		t.Fatalf("consumer observed out-of-order or missing records")
	}
}

func TestRing_SharedMemoryAttach(t *testing.T) {
	if _, err := os.Stat("/dev/shm"); err != nil {
		t.Skip("POSIX shared memory not available")
	}
	name := fmt.Sprintf("spectraflow-test-%d", os.Getpid())

	if _, err := Attach(name); !errors.Is(err, ErrNotAllocated) {
		t.Fatalf("expected ErrNotAllocated before Allocate, got %v", err)
	}

	owner, err := Allocate(name, 8, 2, PolicyOverwrite)
	if err != nil {
		t.Skipf("shared memory allocation not permitted: %v", err)
	}
	defer func() {
		owner.Close()
		owner.Unlink()
	}()

	view, err := Attach(name)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer view.Close()

	if view.Capacity() != 8 || view.Width() != 2 || view.Policy() != PolicyOverwrite {
		t.Fatalf("attached view has wrong geometry: cap=%d width=%d policy=%v", view.Capacity(), view.Width(), view.Policy())
	}

	if _, err := owner.Push(seq(0, 3, 2)); err != nil {
		t.Fatalf("push: %v", err)
	}
	occ := view.Occupancy()
	got, err := view.PopRange(occ.Head, occ.Tail)
	if err != nil {
		t.Fatalf("pop through attached view: %v", err)
	}
	if !reflect.DeepEqual(got, seq(0, 3, 2)) {
		t.Fatalf("attached view sees %v", got)
	}
}

func BenchmarkRing_PushPop(b *testing.B) {
	r, _ := NewLocal(1<<14, 16, PolicyOverwrite)
	batch := seq(0, 256, 16)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.Push(batch)
		occ := r.Occupancy()
		r.PopRange(occ.Head, occ.Tail)
		r.AdvanceHead(occ.Tail)
	}
}
