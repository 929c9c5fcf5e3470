// Package turn implements the turn-epoch state machine and turn handler
// runtime described in spec.md §4.4/§4.5.
//
// A call has at most one active turn at a time. A new turn
// (response_required, reminder_required) moves the machine to a new epoch,
// equal to the request's response_id, with speak_gen reset to 0; preempting
// the current turn (update_only with turntaking=user_turn, an explicit
// clear) leaves the epoch as it is and bumps speak_gen. Anything produced
// under a stale epoch or speak_gen — a chunk from a producer goroutine that
// hasn't noticed its context was canceled yet — is tagged with the epoch and
// speak_gen it was produced under, and the writer (internal/transport)
// discards frames whose epoch or speak_gen has since moved on. This mirrors, generalized to the turn-level rather than connection
// level, the swap-if-stale discipline in the teacher's
// ensureSessionLocked: never recreate the waiter, just swap what it is
// waiting on and let stale work self-discard.
package turn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/relaywire/brain/internal/protocol"
	"github.com/relaywire/brain/internal/queue"
	"github.com/relaywire/brain/pkg/producer"
)

// Result is reported once per completed or preempted turn; the session
// uses it for the turn-duration metric.
type Result struct {
	ResponseID int
	Preempted  bool
	// RolledBack signals that the machine preempted this turn before it
	// finished, by a barge-in, a clear, or a newer turn request; the
	// dialogue producer, not the brain, owns deciding what
	// if anything of the partially-delivered response still stands.
	RolledBack bool
	Err        error
}

// Machine is the single per-call turn-epoch state machine. It is driven
// serially by one goroutine reading the inbound queue (spec.md §4.3: the
// inbound queue has exactly one consumer); Machine itself holds a mutex
// only to protect state also read by the outbound writer's staleness
// check, not to serialize concurrent callers.
type Machine struct {
	log *slog.Logger
	out *queue.Outbound
	prd producer.Producer

	onResult func(Result)

	mu       sync.Mutex
	epoch    int
	speakGen int
	cancel   context.CancelFunc
	updates  chan []protocol.Utterance
	wg       sync.WaitGroup
	closed   bool
	callID   string
	details  *protocol.CallDetails
}

// New creates a turn [Machine] that streams generated content onto out
// using prd to produce it. onResult, if non-nil, is called once per turn
// with its outcome (the session wires it to the turn-duration metric).
func New(log *slog.Logger, out *queue.Outbound, prd producer.Producer, onResult func(Result)) *Machine {
	return &Machine{log: log, out: out, prd: prd, onResult: onResult}
}

// CurrentEpoch returns the epoch in effect right now. The writer compares
// an [queue.OutboundItem]'s Epoch against this before writing a frame.
func (m *Machine) CurrentEpoch() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// CurrentSpeakGen returns the live speak_gen for the current epoch. The
// writer compares an item's SpeakGen against this once its Epoch already
// matches CurrentEpoch.
func (m *Machine) CurrentSpeakGen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speakGen
}

// Handle routes one inbound frame through the state machine. It must be
// called serially by the inbound queue's single consumer goroutine.
func (m *Machine) Handle(ctx context.Context, in protocol.Inbound) {
	switch {
	case in.ResponseRequired != nil:
		m.startTurn(ctx, *in.ResponseRequired, false)
	case in.ReminderRequired != nil:
		m.startTurn(ctx, *in.ReminderRequired, true)
	case in.UpdateOnly != nil:
		if in.UpdateOnly.Turntaking == protocol.TurntakingUserTurn {
			m.preempt(true)
		}
	case in.Clear != nil:
		m.preempt(false)
	case in.CallDetails != nil:
		m.mu.Lock()
		m.details = in.CallDetails
		if in.CallDetails.CallID != "" {
			m.callID = in.CallDetails.CallID
		}
		m.mu.Unlock()
	case in.PingPong != nil:
		// Keepalive echo is handled on the read path before frames reach
		// the turn queue at all (spec.md §4.6); nothing to do here.
	case in.Unknown != nil:
		m.log.Debug("ignoring unrecognized inbound frame", "interaction_type", in.Unknown.InteractionType)
	}
}

// startTurn routes an inbound response_required/reminder_required through
// the three-way epoch check from spec.md §4.4:
//  1. A request older than the current epoch is stale and is dropped.
//  2. A request for the epoch already in flight is a retransmit: the
//     fresher transcript is delivered to the running handler instead of
//     restarting it.
//  3. Otherwise the request starts a new epoch: the old handler, if any,
//     is canceled and a new one spawned bound to the new epoch, with
//     speak_gen reset to 0.
//
// The new turn runs in its own goroutine so Handle never blocks the
// inbound consumer on producer latency.
func (m *Machine) startTurn(ctx context.Context, req protocol.ResponseRequired, reminder bool) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	n := req.ResponseID
	if n < m.epoch {
		m.mu.Unlock()
		m.log.Debug("dropping stale turn request", "response_id", n, "epoch", m.epoch)
		return
	}

	if n == m.epoch && m.cancel != nil {
		m.deliverUpdateLocked(req.Transcript)
		m.mu.Unlock()
		return
	}

	preempted := m.cancelActiveLocked()
	m.epoch = n
	m.speakGen = 0
	updates := make(chan []protocol.Utterance, 1)
	m.updates = updates
	callID := m.callID
	details := m.details
	turnCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	speakGen := m.speakGenFunc(n)
	m.mu.Unlock()

	if preempted != nil {
		preempted.RolledBack = true
		m.report(*preempted)
	}

	in := producer.TurnInput{
		CallID:            callID,
		ResponseID:        n,
		Transcript:        req.Transcript,
		Reminder:          reminder,
		CallDetails:       details,
		TranscriptUpdates: updates,
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		res := runTurn(turnCtx, m.log, m.out, m.prd, in, n, speakGen)
		m.report(res)
	}()
}

// deliverUpdateLocked replaces the buffered transcript snapshot awaiting the
// in-flight handler's producer with a fresher one, dropping whatever was
// queued and unread. Must be called with m.mu held.
func (m *Machine) deliverUpdateLocked(transcript []protocol.Utterance) {
	select {
	case <-m.updates:
	default:
	}
	m.updates <- transcript
}

// speakGenFunc returns a function the turn handler for epoch calls to read
// the live speak_gen at emission time (spec.md §4.5: "tagging each with the
// handler's speak_gen at emission time"). Once the session has moved past
// epoch the returned value no longer matters: the writer drops the
// handler's frames on the epoch mismatch alone.
func (m *Machine) speakGenFunc(epoch int) func() int {
	return func() int {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.speakGen
	}
}

// preempt cancels the in-flight turn, if any, without starting a new one,
// and bumps speak_gen for the current epoch so any chunk already in flight
// under the old generation is recognized as stale by the writer. Always
// bumping speak_gen — even when nothing was running — closes the race
// where a turn finishes concurrently with this preemption: its last chunk,
// if already enqueued, still carries the old generation and gets dropped.
// explicitBargeIn distinguishes a user_turn update (barge-in) from an
// explicit clear event for logging only; both preempt identically.
func (m *Machine) preempt(explicitBargeIn bool) {
	m.mu.Lock()
	preempted := m.cancelActiveLocked()
	m.speakGen++
	epoch := m.epoch
	speakGen := m.speakGen
	m.mu.Unlock()

	if preempted == nil {
		return
	}

	m.out.Push(queue.OutboundItem{
		Class:    queue.OutControl,
		Epoch:    epoch,
		SpeakGen: speakGen,
		Frame: protocol.Outbound{
			Type: protocol.TypeResponse,
			Response: &protocol.ResponseFrame{
				ResponseID:      epoch,
				Content:         "",
				ContentComplete: true,
			},
		},
	})

	preempted.RolledBack = true
	if explicitBargeIn {
		m.log.Debug("turn preempted by barge-in", "response_id", preempted.ResponseID)
	} else {
		m.log.Debug("turn preempted by clear", "response_id", preempted.ResponseID)
	}
	m.report(*preempted)
}

// cancelActiveLocked cancels the current turn's context, if one is active,
// and returns a partial Result describing it. Must be called with m.mu
// held. It never touches epoch or speak_gen — callers own that.
func (m *Machine) cancelActiveLocked() *Result {
	if m.cancel == nil {
		return nil
	}
	m.cancel()
	m.cancel = nil
	return &Result{ResponseID: m.epoch, Preempted: true}
}

func (m *Machine) report(res Result) {
	if m.onResult != nil {
		m.onResult(res)
	}
}

// Close stops the current turn, if any, and waits for its goroutine to
// exit. Subsequent Handle calls are no-ops.
func (m *Machine) Close() {
	m.mu.Lock()
	m.closed = true
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// epochMismatch is returned by runTurn's panic recovery path to give the
// log line a concrete error value instead of the raw recover() output.
func epochMismatch(epoch int) error {
	return fmt.Errorf("turn: handler for epoch %d panicked", epoch)
}
