package queue

import (
	"context"
	"testing"
	"time"

	"github.com/relaywire/brain/internal/protocol"
)

func popNow(t *testing.T, q *Outbound) (OutboundItem, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	return q.Pop(ctx)
}

func TestOutbound_PriorityOrdering(t *testing.T) {
	q := NewOutbound(8, nil)
	q.Push(OutboundItem{Class: OutLow})
	q.Push(OutboundItem{Class: OutControl})
	q.Push(OutboundItem{Class: OutSpeech})
	q.Push(OutboundItem{Class: OutTerminal})

	order := []OutboundClass{OutControl, OutTerminal, OutSpeech, OutLow}
	for _, want := range order {
		it, ok := popNow(t, q)
		if !ok || it.Class != want {
			t.Fatalf("got %v (ok=%v), want %v", it.Class, ok, want)
		}
	}
}

func TestOutbound_FIFOWithinClass(t *testing.T) {
	q := NewOutbound(8, nil)
	for i := 0; i < 3; i++ {
		q.Push(OutboundItem{Class: OutSpeech, Frame: protocol.Outbound{
			Response: &protocol.ResponseFrame{ResponseID: i},
		}})
	}
	for i := 0; i < 3; i++ {
		it, ok := popNow(t, q)
		if !ok || it.Frame.Response.ResponseID != i {
			t.Fatalf("got response_id %d, want %d", it.Frame.Response.ResponseID, i)
		}
	}
}

func TestOutbound_TerminalSurvivesBurst(t *testing.T) {
	var evicted []OutboundClass
	q := NewOutbound(4, func(c OutboundClass) { evicted = append(evicted, c) })

	for i := 0; i < 8; i++ {
		q.Push(OutboundItem{Class: OutSpeech, Frame: protocol.Outbound{
			Response: &protocol.ResponseFrame{ResponseID: i},
		}})
	}
	q.Push(OutboundItem{Class: OutTerminal, Frame: protocol.Outbound{
		Response: &protocol.ResponseFrame{ResponseID: 999, ContentComplete: true},
	}})

	var sawTerminal bool
	for {
		it, ok := popNow(t, q)
		if !ok {
			break
		}
		if it.Class == OutTerminal {
			sawTerminal = true
		}
	}
	if !sawTerminal {
		t.Fatal("terminal frame was not delivered after speech burst")
	}
	if len(evicted) == 0 {
		t.Error("expected at least one eviction from the speech burst")
	}
}

func TestOutbound_ControlNeverEvicted(t *testing.T) {
	var evicted []OutboundClass
	q := NewOutbound(2, func(c OutboundClass) { evicted = append(evicted, c) })

	q.Push(OutboundItem{Class: OutControl})
	q.Push(OutboundItem{Class: OutControl})
	q.Push(OutboundItem{Class: OutControl})

	for _, c := range evicted {
		if c == OutControl {
			t.Fatal("a CONTROL item was evicted")
		}
	}
	if q.Len() != 3 {
		t.Errorf("Len() = %d, want 3 (control allowed past capacity)", q.Len())
	}
}

func TestOutbound_PopOnClosedEmptyQueueReturnsFalse(t *testing.T) {
	q := NewOutbound(4, nil)
	q.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, ok := q.Pop(ctx); ok {
		t.Fatal("expected Pop on closed empty queue to return false")
	}
}
