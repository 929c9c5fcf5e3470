package turn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/relaywire/brain/internal/protocol"
	"github.com/relaywire/brain/internal/queue"
	"github.com/relaywire/brain/pkg/producer"
)

// mockProducer is controlled per-call via a channel factory, matching the
// teacher's mockSummariser shape (plain struct, recorded calls, injectable
// behavior) rather than a generated or table-based fake.
type mockProducer struct {
	mu    sync.Mutex
	calls []producer.TurnInput
	make  func(in producer.TurnInput) (<-chan producer.Chunk, error)
}

func (m *mockProducer) Produce(_ context.Context, in producer.TurnInput) (<-chan producer.Chunk, error) {
	m.mu.Lock()
	m.calls = append(m.calls, in)
	m.mu.Unlock()
	return m.make(in)
}

func (m *mockProducer) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func popAll(t *testing.T, q *queue.Outbound, timeout time.Duration) []queue.OutboundItem {
	t.Helper()
	var items []queue.OutboundItem
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for {
		it, ok := q.Pop(ctx)
		if !ok {
			return items
		}
		items = append(items, it)
		if it.Frame.Response != nil && it.Frame.Response.ContentComplete {
			return items
		}
	}
}

func TestMachine_NormalTurnCompletesWithOneTerminal(t *testing.T) {
	out := queue.NewOutbound(32, nil)
	ch := make(chan producer.Chunk, 4)
	ch <- producer.Chunk{Content: "hello "}
	ch <- producer.Chunk{Content: "world", Final: true}
	close(ch)

	prd := &mockProducer{make: func(producer.TurnInput) (<-chan producer.Chunk, error) { return ch, nil }}
	var results []Result
	var mu sync.Mutex
	m := New(testLogger(), out, prd, func(r Result) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	})

	m.Handle(context.Background(), protocol.Inbound{
		ResponseRequired: &protocol.ResponseRequired{ResponseID: 1},
	})

	items := popAll(t, out, time.Second)
	terminals := 0
	for _, it := range items {
		if it.Frame.Response.ContentComplete {
			terminals++
			if it.Class != queue.OutTerminal {
				t.Errorf("terminal frame class = %v, want OutTerminal", it.Class)
			}
		}
	}
	if terminals != 1 {
		t.Fatalf("terminal frame count = %d, want 1", terminals)
	}

	m.Close()
	mu.Lock()
	defer mu.Unlock()
	if len(results) != 1 || results[0].Preempted {
		t.Fatalf("results = %+v, want one non-preempted result", results)
	}
}

func TestMachine_BargeInPreemptsWithControlTerminal(t *testing.T) {
	out := queue.NewOutbound(32, nil)
	block := make(chan producer.Chunk)
	prd := &mockProducer{make: func(producer.TurnInput) (<-chan producer.Chunk, error) { return block, nil }}

	resultCh := make(chan Result, 2)
	m := New(testLogger(), out, prd, func(r Result) { resultCh <- r })

	m.Handle(context.Background(), protocol.Inbound{
		ResponseRequired: &protocol.ResponseRequired{ResponseID: 1},
	})
	m.Handle(context.Background(), protocol.Inbound{
		UpdateOnly: &protocol.UpdateOnly{Turntaking: protocol.TurntakingUserTurn},
	})

	items := popAll(t, out, time.Second)
	if len(items) == 0 {
		t.Fatal("expected at least the control terminal frame")
	}
	last := items[len(items)-1]
	if last.Class != queue.OutControl || !last.Frame.Response.ContentComplete {
		t.Fatalf("final frame = %+v, want OutControl content_complete", last)
	}

	select {
	case r := <-resultCh:
		if !r.Preempted || !r.RolledBack {
			t.Errorf("result = %+v, want Preempted+RolledBack", r)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for preemption result")
	}

	m.Close()
}

func TestMachine_NewTurnPreemptsPreviousTurn(t *testing.T) {
	out := queue.NewOutbound(32, nil)
	block := make(chan producer.Chunk)
	done := make(chan producer.Chunk, 1)
	done <- producer.Chunk{Content: "ok", Final: true}
	close(done)

	var mu sync.Mutex
	callNum := 0
	prd := &mockProducer{make: func(producer.TurnInput) (<-chan producer.Chunk, error) {
		mu.Lock()
		defer mu.Unlock()
		callNum++
		if callNum == 1 {
			return block, nil
		}
		return done, nil
	}}

	m := New(testLogger(), out, prd, nil)
	m.Handle(context.Background(), protocol.Inbound{
		ResponseRequired: &protocol.ResponseRequired{ResponseID: 1},
	})
	// Wait until turn 1 is inside Produce (holding the blocking channel) so
	// the second request preempts a turn that is actually in flight.
	deadline := time.Now().Add(time.Second)
	for prd.callCount() < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	m.Handle(context.Background(), protocol.Inbound{
		ResponseRequired: &protocol.ResponseRequired{ResponseID: 2},
	})

	items := popAll(t, out, time.Second)
	sawResp2Terminal := false
	for _, it := range items {
		if it.Frame.Response.ResponseID == 2 && it.Frame.Response.ContentComplete {
			sawResp2Terminal = true
		}
	}
	if !sawResp2Terminal {
		t.Fatalf("expected response 2 to complete normally, got %+v", items)
	}
	if prd.callCount() != 2 {
		t.Fatalf("Produce called %d times, want 2", prd.callCount())
	}

	m.Close()
}

func TestMachine_ProducerErrorEmitsTerminal(t *testing.T) {
	out := queue.NewOutbound(32, nil)
	prd := &mockProducer{make: func(producer.TurnInput) (<-chan producer.Chunk, error) {
		return nil, errors.New("boom")
	}}

	resultCh := make(chan Result, 1)
	m := New(testLogger(), out, prd, func(r Result) { resultCh <- r })
	m.Handle(context.Background(), protocol.Inbound{
		ResponseRequired: &protocol.ResponseRequired{ResponseID: 5},
	})

	items := popAll(t, out, time.Second)
	last := items[len(items)-1]
	if last.Class != queue.OutTerminal || !last.Frame.Response.ContentComplete {
		t.Fatalf("last frame = %+v, want OutTerminal content_complete on producer error", last)
	}

	select {
	case r := <-resultCh:
		if r.Err == nil {
			t.Error("expected a non-nil Err in result")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result")
	}
	m.Close()
}

func TestMachine_DuplicateResponseIDDeliversTranscriptUpdate(t *testing.T) {
	out := queue.NewOutbound(32, nil)
	block := make(chan producer.Chunk)

	var mu sync.Mutex
	var receivedUpdate []protocol.Utterance
	updateSeen := make(chan struct{}, 1)

	prd := &mockProducer{make: func(in producer.TurnInput) (<-chan producer.Chunk, error) {
		go func() {
			update, ok := <-in.TranscriptUpdates
			if !ok {
				return
			}
			mu.Lock()
			receivedUpdate = update
			mu.Unlock()
			updateSeen <- struct{}{}
		}()
		return block, nil
	}}

	m := New(testLogger(), out, prd, nil)
	m.Handle(context.Background(), protocol.Inbound{
		ResponseRequired: &protocol.ResponseRequired{ResponseID: 7, Transcript: []protocol.Utterance{{Content: "first"}}},
	})
	m.Handle(context.Background(), protocol.Inbound{
		ResponseRequired: &protocol.ResponseRequired{ResponseID: 7, Transcript: []protocol.Utterance{{Content: "fresher"}}},
	})

	select {
	case <-updateSeen:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for transcript update delivery")
	}

	mu.Lock()
	got := receivedUpdate
	mu.Unlock()
	if len(got) != 1 || got[0].Content != "fresher" {
		t.Fatalf("received update = %+v, want [fresher]", got)
	}
	if prd.callCount() != 1 {
		t.Fatalf("Produce called %d times, want 1 (retransmit must not restart the turn)", prd.callCount())
	}

	m.Close()
}

func TestMachine_StaleResponseIDDropped(t *testing.T) {
	out := queue.NewOutbound(32, nil)
	done := make(chan producer.Chunk, 1)
	done <- producer.Chunk{Content: "ok", Final: true}
	close(done)

	prd := &mockProducer{make: func(producer.TurnInput) (<-chan producer.Chunk, error) { return done, nil }}
	m := New(testLogger(), out, prd, nil)

	m.Handle(context.Background(), protocol.Inbound{
		ResponseRequired: &protocol.ResponseRequired{ResponseID: 4},
	})
	popAll(t, out, time.Second)

	m.Handle(context.Background(), protocol.Inbound{
		ResponseRequired: &protocol.ResponseRequired{ResponseID: 2},
	})

	time.Sleep(20 * time.Millisecond)
	if prd.callCount() != 1 {
		t.Fatalf("Produce called %d times, want 1 (stale response_id must be dropped)", prd.callCount())
	}

	m.Close()
}

func TestMachine_CallDetailsStored(t *testing.T) {
	out := queue.NewOutbound(8, nil)
	prd := &mockProducer{make: func(producer.TurnInput) (<-chan producer.Chunk, error) {
		c := make(chan producer.Chunk)
		close(c)
		return c, nil
	}}
	m := New(testLogger(), out, prd, nil)

	m.Handle(context.Background(), protocol.Inbound{
		CallDetails: &protocol.CallDetails{CallID: "call-1", From: "+15550001111"},
	})
	m.Handle(context.Background(), protocol.Inbound{
		ResponseRequired: &protocol.ResponseRequired{ResponseID: 1},
	})

	popAll(t, out, time.Second)
	if prd.calls[0].CallID != "call-1" {
		t.Errorf("CallID = %q, want call-1", prd.calls[0].CallID)
	}
	m.Close()
}
