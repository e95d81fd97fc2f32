package orchestrator

import "testing"

func TestPerChannelQueueFIFO(t *testing.T) {
	q := NewPerChannelQueue(100)
	q.Enqueue("c1", "a")
	q.Enqueue("c1", "b")
	q.Enqueue("c1", "c")
	for _, want := range []string{"a", "b", "c"} {
		got, ok := q.Front("c1")
		if !ok || got != want {
			t.Fatalf("expected front %q, got %q (ok=%v)", want, got, ok)
		}
		q.Dequeue("c1")
	}
}

func TestPerChannelQueueFullRejectsNPlus1(t *testing.T) {
	q := NewPerChannelQueue(2)
	if !q.Enqueue("c1", "a") || !q.Enqueue("c1", "b") {
		t.Fatal("first two enqueues should succeed")
	}
	if q.Enqueue("c1", "c") {
		t.Fatal("third enqueue into a full channel should fail")
	}
}

func TestPerChannelQueueRemoveRestoresCapacity(t *testing.T) {
	q := NewPerChannelQueue(1)
	q.Enqueue("c1", "a")
	if !q.Remove("c1", "a") {
		t.Fatal("remove should succeed")
	}
	if !q.Enqueue("c1", "b") {
		t.Fatal("capacity should be restored after remove")
	}
}

func TestPerChannelQueueEmptyRemovesEntry(t *testing.T) {
	q := NewPerChannelQueue(10)
	q.Enqueue("c1", "a")
	q.Dequeue("c1")
	if q.Len("c1") != 0 {
		t.Fatal("expected empty queue")
	}
}

func TestPerChannelQueueIndependence(t *testing.T) {
	q := NewPerChannelQueue(10)
	q.Enqueue("c1", "a")
	q.Enqueue("c2", "x")
	q.MarkProcessing("c1")
	if q.IsProcessing("c2") {
		t.Fatal("channels must track processing independently")
	}
}
