package queue

import (
	"testing"
	"time"
)

func TestNewQueueEmpty(t *testing.T) {
	q := New()
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got Len() = %d", q.Len())
	}
	if q.Dequeue() != nil {
		t.Error("expected Dequeue on empty queue to return nil")
	}
}

func TestHighDrainsBeforeNormal(t *testing.T) {
	q := New()
	q.Enqueue(&Item{ID: "normal-1", Priority: Normal})
	q.Enqueue(&Item{ID: "high-1", Priority: High})

	got := q.Dequeue()
	if got == nil || got.ID != "high-1" {
		t.Fatalf("expected high-1 dispatched first, got %+v", got)
	}
	got = q.Dequeue()
	if got == nil || got.ID != "normal-1" {
		t.Fatalf("expected normal-1 dispatched second, got %+v", got)
	}
}

func TestFIFOWithinTier(t *testing.T) {
	q := New()
	base := time.Now()
	q.Enqueue(&Item{ID: "normal-2", Priority: Normal, QueuedAt: base.Add(2 * time.Millisecond)})
	q.Enqueue(&Item{ID: "normal-1", Priority: Normal, QueuedAt: base})
	q.Enqueue(&Item{ID: "normal-3", Priority: Normal, QueuedAt: base.Add(4 * time.Millisecond)})

	order := []string{}
	for q.Len() > 0 {
		order = append(order, q.Dequeue().ID)
	}

	want := []string{"normal-1", "normal-2", "normal-3"}
	for i, id := range want {
		if order[i] != id {
			t.Fatalf("expected FIFO order %v, got %v", want, order)
		}
	}
}

func TestDrainHighDiscardsControlItems(t *testing.T) {
	q := New()
	q.Enqueue(&Item{ID: "cancel-1", Priority: High})
	q.Enqueue(&Item{ID: "close-1", Priority: High})
	q.Enqueue(&Item{ID: "msg-1", Priority: Normal})

	drained := q.DrainHigh()
	if len(drained) != 2 {
		t.Fatalf("expected 2 drained high items, got %d", len(drained))
	}
	if q.Len() != 1 {
		t.Fatalf("expected normal item to remain, got Len() = %d", q.Len())
	}
	if q.HighLen() != 0 {
		t.Fatalf("expected no high items remaining, got %d", q.HighLen())
	}
}
