package queue

import (
	"container/heap"
	"context"
	"sync"

	"github.com/relaywire/brain/internal/protocol"
)

// InboundItem is one frame waiting to be handed to the turn machine.
type InboundItem struct {
	Class InboundClass
	Frame protocol.Inbound

	seq uint64
}

type inboundHeap []InboundItem

func (h inboundHeap) Len() int { return len(h) }
func (h inboundHeap) Less(i, j int) bool {
	if h[i].Class != h[j].Class {
		return h[i].Class > h[j].Class
	}
	return h[i].seq < h[j].seq
}
func (h inboundHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *inboundHeap) Push(x any)   { *h = append(*h, x.(InboundItem)) }
func (h *inboundHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Inbound is the bounded, priority-aware inbound queue from spec.md §4.3.
// Eviction on overflow prefers, in order: the oldest UPDATE item, then the
// oldest TURN item that is not the single most recent TURN item (a
// response_required/reminder_required must never be silently dropped once
// it is the newest outstanding turn — invariant: the latest turn request is
// always eventually delivered). If neither exists, nothing is evicted and
// the queue grows past capacity by one; an arriving CONTROL item is still
// popped first because Pop is priority-ordered (spec.md §4.3 invariant 5).
type Inbound struct {
	capacity int
	onEvict  func(InboundClass)

	mu   sync.Mutex
	heap inboundHeap
	seq  uint64

	notify chan struct{}
	closed bool
}

// NewInbound creates an [Inbound] queue with the given capacity.
func NewInbound(capacity int, onEvict func(InboundClass)) *Inbound {
	if capacity <= 0 {
		capacity = 1
	}
	q := &Inbound{
		capacity: capacity,
		onEvict:  onEvict,
		notify:   make(chan struct{}, 1),
	}
	heap.Init(&q.heap)
	return q
}

// Push enqueues item, evicting per the policy above if at capacity.
func (q *Inbound) Push(item InboundItem) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	if q.heap.Len() >= q.capacity {
		if idx, ok := q.evictionCandidateLocked(item.Class); ok {
			evicted := q.heap[idx]
			heap.Remove(&q.heap, idx)
			if q.onEvict != nil {
				q.onEvict(evicted.Class)
			}
		}
		// No candidate: let the queue grow by one rather than drop the
		// latest turn request or starve control traffic.
	}

	q.seq++
	item.seq = q.seq
	heap.Push(&q.heap, item)

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// evictionCandidateLocked returns the heap index of the item to evict to
// make room for an arrival of class incoming, or false if nothing should be
// evicted. Must be called with q.mu held.
func (q *Inbound) evictionCandidateLocked(incoming InboundClass) (int, bool) {
	oldestUpdate, oldestUpdateSeq := -1, uint64(0)
	latestTurn, latestTurnSeq := -1, uint64(0)
	oldestTurn, oldestTurnSeq := -1, uint64(0)

	for i, it := range q.heap {
		switch it.Class {
		case InUpdate:
			if oldestUpdate == -1 || it.seq < oldestUpdateSeq {
				oldestUpdate, oldestUpdateSeq = i, it.seq
			}
		case InTurn:
			if oldestTurn == -1 || it.seq < oldestTurnSeq {
				oldestTurn, oldestTurnSeq = i, it.seq
			}
			if latestTurn == -1 || it.seq > latestTurnSeq {
				latestTurn, latestTurnSeq = i, it.seq
			}
		}
	}

	if oldestUpdate != -1 {
		return oldestUpdate, true
	}
	if oldestTurn != -1 && oldestTurn != latestTurn {
		return oldestTurn, true
	}
	return 0, false
}

// Pop removes and returns the highest-priority item, blocking until one is
// available or ctx is done.
func (q *Inbound) Pop(ctx context.Context) (InboundItem, bool) {
	for {
		q.mu.Lock()
		if q.heap.Len() > 0 {
			it := heap.Pop(&q.heap).(InboundItem)
			q.mu.Unlock()
			return it, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return InboundItem{}, false
		}

		select {
		case <-ctx.Done():
			return InboundItem{}, false
		case <-q.notify:
		}
	}
}

// Len reports the current number of queued items.
func (q *Inbound) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Close marks the queue closed.
func (q *Inbound) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
