// Package keepalive implements the periodic ping/pong liveness engine
// described in spec.md §4.6: the brain pushes a ping_pong frame onto the
// outbound queue on a fixed interval and tracks whether the reply arrives
// within one more interval.
//
// Grounded on the teacher's session.Consolidator: a ticker-driven
// background loop, stopped exactly once via sync.Once over a closed
// channel, guarded against overlapping ticks with a mutex held for the
// duration of one tick's work.
package keepalive

import (
	"context"
	"sync"
	"time"

	"github.com/relaywire/brain/internal/protocol"
	"github.com/relaywire/brain/internal/queue"
)

// Config configures an [Engine].
type Config struct {
	// Interval is how often a ping is sent. There is no default; the
	// caller supplies BRAIN_PING_INTERVAL_MS.
	Interval time.Duration
}

// Engine sends periodic pings and tracks missed deadlines. All methods are
// safe for concurrent use.
type Engine struct {
	out      *queue.Outbound
	interval time.Duration

	onMissedDeadline func()
	onQueueDelay     func(time.Duration)

	mu       sync.Mutex
	sentAt   time.Time
	awaiting bool

	done     chan struct{}
	stopOnce sync.Once
}

// New creates an [Engine]. onMissedDeadline is called once per interval in
// which no pong arrived since the previous ping was sent; onQueueDelay, if
// non-nil, is called with how long a received pong's round trip took.
func New(out *queue.Outbound, cfg Config, onMissedDeadline func(), onQueueDelay func(time.Duration)) *Engine {
	return &Engine{
		out:              out,
		interval:         cfg.Interval,
		onMissedDeadline: onMissedDeadline,
		onQueueDelay:     onQueueDelay,
		done:             make(chan struct{}),
	}
}

// Start begins the ping loop in a background goroutine. It runs until ctx
// is canceled or [Engine.Stop] is called.
func (e *Engine) Start(ctx context.Context) {
	go e.loop(ctx)
}

// Stop halts the ping loop. Safe to call multiple times.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.done) })
}

func (e *Engine) loop(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

func (e *Engine) tick() {
	e.mu.Lock()
	if e.awaiting && e.onMissedDeadline != nil {
		e.onMissedDeadline()
	}
	e.sentAt = time.Now()
	e.awaiting = true
	e.mu.Unlock()

	e.out.Push(queue.OutboundItem{
		Class:   queue.OutControl,
		NoEpoch: true,
		IsPing:  true,
		Frame: protocol.Outbound{
			Type:     protocol.TypePingPong,
			PingPong: &protocol.PingPong{Timestamp: time.Now().UnixMilli()},
		},
	})
}

// HandleInboundPing answers an inbound ping_pong frame and, if one of our
// own pings is outstanding, clears the missed-deadline state and reports
// round-trip delay. ping_pong is bidirectional on the wire (spec.md §3):
// either end may probe the other, and both ends must echo what they
// receive. Wire this to [transport.Reader.OnPing].
func (e *Engine) HandleInboundPing(p protocol.PingPong) {
	e.out.Push(queue.OutboundItem{
		Class:   queue.OutControl,
		NoEpoch: true,
		IsPing:  true,
		Frame: protocol.Outbound{
			Type:     protocol.TypePingPong,
			PingPong: &p,
		},
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.awaiting {
		return
	}
	e.awaiting = false
	if e.onQueueDelay != nil {
		e.onQueueDelay(time.Since(e.sentAt))
	}
}
