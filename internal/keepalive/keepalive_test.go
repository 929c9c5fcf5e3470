package keepalive

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/relaywire/brain/internal/queue"
)

func TestEngine_SendsPeriodicPings(t *testing.T) {
	out := queue.NewOutbound(8, nil)
	e := New(out, Config{Interval: 20 * time.Millisecond}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	defer func() { cancel(); e.Stop() }()

	popCtx, popCancel := context.WithTimeout(context.Background(), time.Second)
	defer popCancel()
	it, ok := out.Pop(popCtx)
	if !ok || it.Class != queue.OutControl || it.Frame.PingPong == nil {
		t.Fatalf("item = %+v (ok=%v), want a CONTROL ping_pong frame", it, ok)
	}
}

func TestEngine_MissedDeadlineFiresWhenNoPongArrives(t *testing.T) {
	out := queue.NewOutbound(8, nil)
	var mu sync.Mutex
	missed := 0
	e := New(out, Config{Interval: 15 * time.Millisecond}, func() {
		mu.Lock()
		missed++
		mu.Unlock()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	defer func() { cancel(); e.Stop() }()

	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if missed == 0 {
		t.Fatal("expected at least one missed-deadline callback")
	}
}

func TestEngine_PongClearsAwaiting(t *testing.T) {
	out := queue.NewOutbound(8, nil)
	var missed int
	var delay time.Duration
	e := New(out, Config{Interval: 200 * time.Millisecond}, func() { missed++ }, func(d time.Duration) { delay = d })

	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	defer func() { cancel(); e.Stop() }()

	popCtx, popCancel := context.WithTimeout(context.Background(), time.Second)
	defer popCancel()
	sent, ok := out.Pop(popCtx)
	if !ok {
		t.Fatal("expected initial ping")
	}

	e.HandleInboundPing(*sent.Frame.PingPong)

	echoCtx, echoCancel := context.WithTimeout(context.Background(), time.Second)
	defer echoCancel()
	echo, ok := out.Pop(echoCtx)
	if !ok || echo.Frame.PingPong.Timestamp != sent.Frame.PingPong.Timestamp {
		t.Fatalf("echo = %+v (ok=%v), want timestamp %d", echo, ok, sent.Frame.PingPong.Timestamp)
	}

	if delay < 0 {
		t.Errorf("delay = %v, want >= 0", delay)
	}
	if missed != 0 {
		t.Errorf("missed = %d, want 0 after prompt pong", missed)
	}
}
