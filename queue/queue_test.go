package queue

import (
	"testing"
	"time"
)

func TestEnqueueDropsWhenFullWithoutPrioritization(t *testing.T) {
	q := New(Caps{High: 1, Medium: 1, Low: 1}, false)
	now := time.Now()

	if out := q.Enqueue(Item{ID: "a", Priority: Low, EnqueuedAt: now}); !out.Queued {
		t.Fatalf("expected first low item to be queued: %+v", out)
	}
	out := q.Enqueue(Item{ID: "b", Priority: Low, EnqueuedAt: now})
	if !out.Dropped || out.DropReason != "QUEUE_FULL" {
		t.Fatalf("expected QUEUE_FULL drop, got %+v", out)
	}
}

func TestPrioritizedEvictionDisplacesOldestLow(t *testing.T) {
	q := New(Caps{High: 1, Medium: 1, Low: 1}, true)
	now := time.Now()

	q.Enqueue(Item{ID: "low-1", Priority: Low, EnqueuedAt: now})
	q.Enqueue(Item{ID: "high-0", Priority: High, EnqueuedAt: now}) // fills the high class
	out := q.Enqueue(Item{ID: "high-1", Priority: High, EnqueuedAt: now})
	if !out.Queued {
		t.Fatalf("expected high item to be queued via eviction: %+v", out)
	}
	if out.Evicted == nil || out.Evicted.ID != "low-1" {
		t.Fatalf("expected low-1 to be evicted, got %+v", out.Evicted)
	}
	if q.Depth(Low) != 0 {
		t.Fatalf("expected low class empty after eviction, depth=%d", q.Depth(Low))
	}
}

func TestMediumNeverEvicts(t *testing.T) {
	q := New(Caps{High: 1, Medium: 1, Low: 1}, true)
	now := time.Now()

	q.Enqueue(Item{ID: "low-1", Priority: Low, EnqueuedAt: now})
	q.Enqueue(Item{ID: "medium-1", Priority: Medium, EnqueuedAt: now})
	out := q.Enqueue(Item{ID: "medium-2", Priority: Medium, EnqueuedAt: now})
	if !out.Dropped {
		t.Fatalf("expected medium overflow to drop rather than evict, got %+v", out)
	}
	if q.Depth(Low) != 1 {
		t.Fatalf("expected low class untouched by medium overflow, depth=%d", q.Depth(Low))
	}
}

func TestDequeuePrefersHighestClass(t *testing.T) {
	q := New(DefaultCaps, false)
	now := time.Now()
	q.Enqueue(Item{ID: "low-1", Priority: Low, EnqueuedAt: now})
	q.Enqueue(Item{ID: "high-1", Priority: High, EnqueuedAt: now})
	q.Enqueue(Item{ID: "medium-1", Priority: Medium, EnqueuedAt: now})

	item := q.Dequeue(now)
	if item == nil || item.ID != "high-1" {
		t.Fatalf("expected high-1 dequeued first, got %+v", item)
	}
	item = q.Dequeue(now)
	if item == nil || item.ID != "medium-1" {
		t.Fatalf("expected medium-1 dequeued second, got %+v", item)
	}
}

func TestDequeueEmptyQueueReturnsNil(t *testing.T) {
	q := New(DefaultCaps, false)
	if item := q.Dequeue(time.Now()); item != nil {
		t.Fatalf("expected nil from empty queue, got %+v", item)
	}
}
