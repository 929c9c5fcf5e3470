package queue

import (
	"container/heap"
	"context"
	"sync"

	"github.com/relaywire/brain/internal/protocol"
)

// OutboundItem is one entry enqueued for the writer (internal/transport's
// Writer, writer.go). Epoch
// and SpeakGen are carried so the writer can perform the last-line-of-
// defense staleness check described in spec.md §4.2 without reaching back
// into the turn machine for every item.
type OutboundItem struct {
	Class    OutboundClass
	Epoch    int
	SpeakGen int
	// NoEpoch marks an item that belongs to no turn epoch at all — a
	// keepalive ping or the initial config frame — and is therefore exempt
	// from the writer's epoch/speak_gen staleness check. Without this, an
	// item's zero-valued Epoch could be mistaken for a legitimate epoch 0
	// turn (the opening response_id under BRAIN_SPEAK_FIRST).
	NoEpoch bool
	// IsPing marks a ping_pong frame specifically, distinguishing it from
	// the other traffic sharing OutControl (the barge-in/clear terminal
	// frame) for write-attempt/write-timeout metrics.
	IsPing bool
	Frame  protocol.Outbound

	seq uint64
}

type outboundHeap []OutboundItem

func (h outboundHeap) Len() int { return len(h) }
func (h outboundHeap) Less(i, j int) bool {
	if h[i].Class != h[j].Class {
		return h[i].Class > h[j].Class
	}
	return h[i].seq < h[j].seq
}
func (h outboundHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *outboundHeap) Push(x any)   { *h = append(*h, x.(OutboundItem)) }
func (h *outboundHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Outbound is the bounded, priority-aware outbound queue from spec.md §4.3.
// Capacity applies to OutSpeech and OutLow items; OutControl and OutTerminal
// are never rejected or evicted (invariant 5: control frames are never
// starved by speech backlog), so the queue may briefly exceed capacity when
// a burst of control/terminal traffic arrives — this is intentional.
//
// Safe for concurrent use: MPSC on the producer side (Push), SPSC on the
// writer side (Pop), per spec.md §5.
type Outbound struct {
	capacity int
	onEvict  func(OutboundClass)

	mu   sync.Mutex
	heap outboundHeap
	seq  uint64

	notify chan struct{}
	closed bool
}

// NewOutbound creates an [Outbound] queue with the given capacity. onEvict,
// if non-nil, is invoked once per dropped item with the class it belonged
// to — wire it to observe.Metrics.RecordOutboundEviction or similar.
func NewOutbound(capacity int, onEvict func(OutboundClass)) *Outbound {
	if capacity <= 0 {
		capacity = 1
	}
	q := &Outbound{
		capacity: capacity,
		onEvict:  onEvict,
		notify:   make(chan struct{}, 1),
	}
	heap.Init(&q.heap)
	return q
}

// Push enqueues item. If the queue is at capacity, the tail (most recently
// enqueued item) of the lowest-priority class currently present is dropped
// to make room — except CONTROL and TERMINAL, which are never dropped and
// may push the queue past its nominal capacity instead.
func (q *Outbound) Push(item OutboundItem) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	if q.heap.Len() >= q.capacity {
		q.makeRoomLocked(item.Class)
	}

	q.seq++
	item.seq = q.seq
	heap.Push(&q.heap, item)

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// makeRoomLocked evicts one item to make room for an arriving item of
// incoming's class. Must be called with q.mu held.
func (q *Outbound) makeRoomLocked(incoming OutboundClass) {
	lowest, idx, found := q.lowestPresentLocked()
	if !found {
		// Queue holds only protected (CONTROL/TERMINAL) items; let it grow.
		return
	}

	if incoming.protected() || lowest <= incoming {
		// Evict the tail (highest seq) of the lowest class present.
		q.evictAtLocked(idx)
		return
	}

	// The incoming item is itself lower priority than everything evictable:
	// an OutLow arrival while only OutSpeech items are evictable. Nothing is
	// evicted here and the caller still pushes the item, so the heap grows
	// by one. Nothing in this module enqueues OutLow, so no caller reaches
	// this case.
}

// lowestPresentLocked returns the lowest OutboundClass currently present
// among unprotected items, its heap index, and whether any exists.
func (q *Outbound) lowestPresentLocked() (OutboundClass, int, bool) {
	bestIdx := -1
	var bestClass OutboundClass
	var bestSeq uint64
	for i, it := range q.heap {
		if it.Class.protected() {
			continue
		}
		if bestIdx == -1 || it.Class < bestClass || (it.Class == bestClass && it.seq > bestSeq) {
			bestIdx = i
			bestClass = it.Class
			bestSeq = it.seq
		}
	}
	if bestIdx == -1 {
		return 0, -1, false
	}
	return bestClass, bestIdx, true
}

// evictAtLocked removes the heap element at idx, reports it to onEvict, and
// restores the heap invariant. Must be called with q.mu held.
func (q *Outbound) evictAtLocked(idx int) {
	evicted := q.heap[idx]
	heap.Remove(&q.heap, idx)
	if q.onEvict != nil {
		q.onEvict(evicted.Class)
	}
}

// Pop removes and returns the highest-priority item, blocking until one is
// available or ctx is done.
func (q *Outbound) Pop(ctx context.Context) (OutboundItem, bool) {
	for {
		q.mu.Lock()
		if q.heap.Len() > 0 {
			it := heap.Pop(&q.heap).(OutboundItem)
			q.mu.Unlock()
			return it, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return OutboundItem{}, false
		}

		select {
		case <-ctx.Done():
			return OutboundItem{}, false
		case <-q.notify:
		}
	}
}

// Len reports the current number of queued items.
func (q *Outbound) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Close marks the queue closed; subsequent Push calls are no-ops and
// blocked Pop calls waiting on ctx alone will still need ctx cancellation
// to return, but Len(0)+closed lets callers drain deterministically.
func (q *Outbound) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
