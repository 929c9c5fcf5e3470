// Package session wires one call's transport, turn machine, keepalive
// engine, transcript memory and metrics together and runs it to completion.
//
// Grounded on the teacher's app.SessionManager: a single struct holding
// everything a live session needs, a closers slice invoked in reverse order
// during teardown. Supervisor holds no mutex. Goroutine fan-out (reader,
// inbound consumer, writer) uses golang.org/x/sync/errgroup the way
// hotctx.Assembler fans out its parallel fetches: the first goroutine to
// return a non-nil error cancels the group's context and that error becomes
// the session's Result.Err. The keepalive engine runs its own goroutine,
// started on the group's context but not tracked by the group.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/relaywire/brain/internal/config"
	"github.com/relaywire/brain/internal/keepalive"
	"github.com/relaywire/brain/internal/memory"
	"github.com/relaywire/brain/internal/observe"
	"github.com/relaywire/brain/internal/protocol"
	"github.com/relaywire/brain/internal/queue"
	"github.com/relaywire/brain/internal/transport"
	"github.com/relaywire/brain/internal/turn"
	"github.com/relaywire/brain/pkg/producer"
)

// CallDetails is the metadata known about a call before its WebSocket
// handshake completes, supplied by whatever accepted the HTTP upgrade
// (typically a {call_id} path segment, possibly empty).
type CallDetails struct {
	CallID string
}

// AllowlistFunc decides whether a call may open a session. A nil
// AllowlistFunc allows every call, mirroring discord.PermissionChecker.IsDM's
// allow-everyone-when-unconfigured default.
type AllowlistFunc func(callID string, details CallDetails) bool

// Result is a session's final outcome, reported once Run returns.
type Result struct {
	CallID string
	Reason transport.CloseReason
	Err    error
}

// Deps bundles everything a [Supervisor] needs to run one call. Conn and
// Producer are supplied by the caller per session; everything else is
// typically shared across sessions.
type Deps struct {
	Conn     transport.Conn
	Producer producer.Producer
	Runtime  config.Runtime
	Metrics  *observe.Metrics
	Log      *slog.Logger
	Allow    AllowlistFunc
}

// Supervisor runs one call's session end to end: accepts (or rejects, via
// the allowlist hook) the call, wires the queues/turn machine/transport/
// keepalive/memory ring together, and runs them until the connection closes
// or ctx is canceled.
type Supervisor struct {
	deps   Deps
	callID string

	in   *queue.Inbound
	out  *queue.Outbound
	ring *memory.Ring
	mach *turn.Machine
	keep *keepalive.Engine

	closers []func() error
}

// New creates a [Supervisor] for one call. details.CallID, if set, seeds the
// session's call id; otherwise a random one is generated (SPEC_FULL.md §6),
// since every metric and log line needs a stable call id even when the
// remote end never sends a call_details frame.
func New(deps Deps, details CallDetails) *Supervisor {
	callID := details.CallID
	if callID == "" {
		callID = uuid.NewString()
	}
	return &Supervisor{deps: deps, callID: callID}
}

// CallID returns the session's call id.
func (s *Supervisor) CallID() string {
	return s.callID
}

// Run accepts the call (subject to the allowlist hook), runs it to
// completion, and returns its outcome. Run blocks until the connection
// closes, a fatal error occurs, or ctx is canceled.
func (s *Supervisor) Run(ctx context.Context) Result {
	log := s.deps.Log.With("call_id", s.callID)

	if s.deps.Allow != nil && !s.deps.Allow(s.callID, CallDetails{CallID: s.callID}) {
		log.Warn("session rejected by allowlist")
		reason := transport.ReasonAllowlistRejected
		s.closeConn(reason)
		s.recordClose(reason)
		return Result{CallID: s.callID, Reason: reason}
	}

	rt := s.deps.Runtime
	met := s.deps.Metrics

	s.in = queue.NewInbound(rt.InboundQueueMax, func(c queue.InboundClass) {
		met.RecordInboundEviction(context.Background(), c.String())
	})
	s.out = queue.NewOutbound(rt.OutboundQueueMax, func(c queue.OutboundClass) {
		met.RecordOutboundEviction(context.Background(), c.String())
	})
	s.ring = memory.New(memory.Config{
		MaxUtterances: rt.TranscriptMaxUtterances,
		MaxChars:      rt.TranscriptMaxChars,
	}, func() {
		met.RecordCompaction(context.Background())
	})

	transcriptIdx := 0
	turnStarted := make(map[int]time.Time)

	s.mach = turn.New(log, s.out, s.deps.Producer, func(res turn.Result) {
		if started, ok := turnStarted[res.ResponseID]; ok {
			met.RecordTurnDuration(context.Background(), time.Since(started).Seconds())
			delete(turnStarted, res.ResponseID)
		}
	})

	s.keep = keepalive.New(s.out, keepalive.Config{Interval: rt.PingInterval}, func() {
		met.RecordMissedPing(context.Background())
	}, func(d time.Duration) {
		met.RecordPingDelay(context.Background(), float64(d.Milliseconds()))
	})

	reader := transport.NewReader(s.deps.Conn, s.in, transport.ReaderConfig{
		MaxFrameBytes: rt.MaxFrameBytes,
		IdleTimeout:   rt.IdleTimeout,
	}, log)
	reader.OnBadSchema = func() {
		met.InboundBadSchema.Add(context.Background(), 1)
	}
	reader.OnPing = s.keep.HandleInboundPing

	writer := transport.NewWriter(s.deps.Conn, s.out, transport.WriterConfig{
		WriteTimeout:               rt.WriteTimeout,
		MaxConsecutiveWriteTimeout: rt.MaxConsecutiveWriteTimeouts,
		CloseOnWriteTimeout:        rt.CloseOnWriteTimeout,
	}, log, s.mach.CurrentEpoch, s.mach.CurrentSpeakGen)
	writer.OnWriteAttempt = func(c queue.OutboundClass, isPing bool) {
		met.RecordWriteAttempt(context.Background(), c.String(), isPing)
	}
	writer.OnWriteTimeout = func(c queue.OutboundClass, isPing bool) {
		met.RecordWriteTimeout(context.Background(), c.String(), isPing)
	}
	writer.OnStaleDropped = func(c queue.OutboundClass) {
		met.RecordStaleDropped(context.Background(), c.String())
	}

	s.closers = append(s.closers, func() error { s.mach.Close(); return nil })
	s.closers = append(s.closers, func() error { s.keep.Stop(); return nil })
	s.closers = append(s.closers, func() error { s.in.Close(); return nil })
	s.closers = append(s.closers, func() error { s.out.Close(); return nil })

	met.ActiveSessions.Add(ctx, 1)
	defer met.ActiveSessions.Add(context.Background(), -1)

	s.out.Push(queue.OutboundItem{
		Class:   queue.OutControl,
		NoEpoch: true,
		Frame: protocol.Outbound{
			Type: protocol.TypeConfig,
			Config: &protocol.ConfigFrame{
				ResponseType:     protocol.TypeConfig,
				CallID:           s.callID,
				SpeechMarkupMode: string(rt.SpeechMarkupMode),
			},
		},
	})

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, egCtx := errgroup.WithContext(sessCtx)
	s.keep.Start(egCtx)

	var readerReason transport.CloseReason
	var writerReason transport.CloseReason

	// Each goroutine cancels sessCtx on its own exit, regardless of whether
	// it returns an error, so the other two unwind promptly: errgroup only
	// cancels egCtx automatically when a Go func returns a non-nil error,
	// and a reader exit on idle timeout or shutdown carries no error.
	eg.Go(func() error {
		defer cancel()
		reason, err := reader.Run(egCtx)
		readerReason = reason
		return err
	})

	eg.Go(func() error {
		defer cancel()
		trackTurnStart := func(in protocol.Inbound) {
			if in.ResponseRequired != nil {
				turnStarted[in.ResponseRequired.ResponseID] = time.Now()
				transcriptIdx = s.ring.AppendTranscript(in.ResponseRequired.Transcript, transcriptIdx, time.Now())
			} else if in.ReminderRequired != nil {
				turnStarted[in.ReminderRequired.ResponseID] = time.Now()
				transcriptIdx = s.ring.AppendTranscript(in.ReminderRequired.Transcript, transcriptIdx, time.Now())
			} else if in.UpdateOnly != nil {
				transcriptIdx = s.ring.AppendTranscript(in.UpdateOnly.Transcript, transcriptIdx, time.Now())
			}
		}

		for {
			item, ok := s.in.Pop(egCtx)
			if !ok {
				return nil
			}
			trackTurnStart(item.Frame)
			s.mach.Handle(egCtx, item.Frame)
		}
	})

	eg.Go(func() error {
		defer cancel()
		writerReason = writer.Run(egCtx)
		if writerReason == transport.ReasonWriteTimeout {
			return fmt.Errorf("session: %s", writerReason)
		}
		return nil
	})

	err := eg.Wait()

	// The writer's own reason only matters when it is the one that actually
	// ended the session (a write-timeout escalation); otherwise the reader's
	// reason is the more specific one (idle timeout, bad frame, peer close).
	reason := writerReason
	if reason != transport.ReasonWriteTimeout {
		reason = readerReason
	}
	if reason == transport.ReasonUnknown {
		reason = transport.ReasonServerShutdown
	}

	s.closeConn(reason)
	s.teardown(log)
	s.recordClose(reason)

	log.Info("session closed", "reason", reason.String())
	return Result{CallID: s.callID, Reason: reason, Err: err}
}

func (s *Supervisor) closeConn(reason transport.CloseReason) {
	_ = s.deps.Conn.Close(transport.StatusForReason(reason), reason.String())
}

func (s *Supervisor) teardown(log *slog.Logger) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			log.Warn("session: closer error", "index", i, "err", err)
		}
	}
}

func (s *Supervisor) recordClose(reason transport.CloseReason) {
	s.deps.Metrics.RecordClose(context.Background(), reason.Metric())
}
