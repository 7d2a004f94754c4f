package internal

import "testing"

func TestQueueExpandEmpty(t *testing.T) {
	q := NewQueueOwned[int](0)
	if !q.Empty() || !q.Full() {
		t.Fatal("zero-capacity queue should be empty and full")
	}
	if q.Enqueue() != nil {
		t.Fatal("enqueue on full queue should fail")
	}
	q.Expand()
	slot := q.Enqueue()
	if slot == nil {
		t.Fatal("enqueue after expand failed")
	}
	*slot = 123
	if q.Empty() || !q.Full() {
		t.Fatal("queue with one slot holding one element should be full")
	}
	got := q.Dequeue()
	if got == nil || *got != 123 {
		t.Fatalf("dequeue got %v, want 123", got)
	}
	if !q.Empty() || q.Full() {
		t.Fatal("drained queue should be empty")
	}
}

func TestQueueFIFO(t *testing.T) {
	const size = 10
	q := NewQueueOwned[int](size)
	if !q.Empty() || q.Full() {
		t.Fatal("fresh queue state wrong")
	}
	if q.Dequeue() != nil {
		t.Fatal("dequeue on empty queue should fail")
	}
	for i := 0; i < size/2; i++ {
		*q.Enqueue() = i
	}
	for i := 0; i < size/2; i++ {
		if got := *q.Dequeue(); got != i {
			t.Fatalf("dequeue got %d, want %d", got, i)
		}
	}
	// Fill with wrapped read cursor.
	for i := 0; i < size; i++ {
		*q.Enqueue() = i
	}
	if !q.Full() {
		t.Fatal("queue should be full")
	}
	if q.Enqueue() != nil {
		t.Fatal("enqueue on full queue should fail")
	}
	q.Expand()
	if q.Full() {
		t.Fatal("queue full after expand")
	}
	*q.Enqueue() = size
	if !q.Full() {
		t.Fatal("queue should be full again")
	}
	for i := 0; i <= size; i++ {
		if got := *q.Dequeue(); got != i {
			t.Fatalf("after expand: dequeue got %d, want %d", got, i)
		}
	}
	if !q.Empty() {
		t.Fatal("queue should be drained")
	}
}

func TestQueueRemove(t *testing.T) {
	q := NewQueueOwned[int](8)
	for _, v := range []int{1, 2, 1, 3, 1, 4, 1} {
		*q.Enqueue() = v
	}
	match := func(want int) func(*int) bool {
		return func(v *int) bool { return *v == want }
	}
	if !q.Remove(match(1)) {
		t.Fatal("remove of present element failed")
	}
	if q.Remove(match(5)) {
		t.Fatal("remove of absent element succeeded")
	}
	if !q.Remove(match(4)) {
		t.Fatal("remove of present element failed")
	}
	if q.Remove(match(4)) {
		t.Fatal("second remove of removed element succeeded")
	}
	for _, want := range []int{2, 1, 3, 1, 1} {
		got := q.Dequeue()
		if got == nil || *got != want {
			t.Fatalf("dequeue got %v, want %d", got, want)
		}
	}
	if !q.Empty() {
		t.Fatal("queue should be drained")
	}
}

func TestQueueBorrowedStorage(t *testing.T) {
	storage := make([]int, 4)
	q := NewQueue(storage)
	if q.Owned() {
		t.Fatal("queue over borrowed storage reports owned")
	}
	defer func() {
		if recover() == nil {
			t.Fatal("expand over borrowed storage should panic")
		}
	}()
	q.Expand()
}
