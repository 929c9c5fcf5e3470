package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	"github.com/relaywire/brain/internal/protocol"
	"github.com/relaywire/brain/internal/queue"
)

// WriterConfig configures a [Writer]. Field names match the environment
// variables in SPEC_FULL.md §6 that set them.
type WriterConfig struct {
	WriteTimeout               time.Duration
	MaxConsecutiveWriteTimeout int
	CloseOnWriteTimeout        bool
}

// Writer drains an [queue.Outbound] onto a [Conn] under a per-frame write
// deadline, dropping frames whose epoch has been superseded and escalating
// to a connection close after too many consecutive write timeouts.
// Grounded on the teacher's forwardAudio loop shape (select over a done
// source and a work source, single goroutine, no shared mutable state
// beyond counters it alone owns).
type Writer struct {
	conn Conn
	out  *queue.Outbound
	cfg  WriterConfig
	log  *slog.Logger

	// CurrentEpoch reports the turn machine's live epoch. A popped item
	// whose Epoch is older is a stale frame from a turn that has since been
	// preempted and is dropped rather than written (spec.md §4.4: stale-
	// frame suppression). Items with NoEpoch set (keepalive pings, the
	// initial config frame) are never considered stale.
	CurrentEpoch func() int

	// CurrentSpeakGen reports the turn machine's live speak_gen for the
	// current epoch. Checked only once an item's Epoch already matches
	// CurrentEpoch: a same-epoch chunk tagged with an older speak_gen is a
	// barge-in casualty and is dropped (spec.md §4.4 invariant 4).
	CurrentSpeakGen func() int

	OnWriteAttempt func(class queue.OutboundClass, isPing bool)
	OnWriteTimeout func(class queue.OutboundClass, isPing bool)
	OnStaleDropped func(queue.OutboundClass)
}

// NewWriter creates a [Writer]. currentEpoch and currentSpeakGen may be nil
// if the caller never tags items with a nonzero epoch (e.g. a writer used
// only for keepalive).
func NewWriter(conn Conn, out *queue.Outbound, cfg WriterConfig, log *slog.Logger, currentEpoch func() int, currentSpeakGen func() int) *Writer {
	return &Writer{conn: conn, out: out, cfg: cfg, log: log, CurrentEpoch: currentEpoch, CurrentSpeakGen: currentSpeakGen}
}

// Run drains the outbound queue until ctx is done, the queue is closed, or
// the write-timeout escalation threshold is crossed. It returns the
// [CloseReason] that ended the loop.
func (w *Writer) Run(ctx context.Context) CloseReason {
	consecutive := 0

	for {
		item, ok := w.out.Pop(ctx)
		if !ok {
			if ctx.Err() != nil {
				return ReasonServerShutdown
			}
			return ReasonNormal
		}

		if w.isStale(item) {
			if w.OnStaleDropped != nil {
				w.OnStaleDropped(item.Class)
			}
			continue
		}

		data, err := protocol.Encode(item.Frame)
		if err != nil {
			w.log.Error("dropping unencodable outbound frame", "err", err, "class", item.Class)
			continue
		}

		if w.OnWriteAttempt != nil {
			w.OnWriteAttempt(item.Class, item.IsPing)
		}

		writeCtx, cancel := context.WithTimeout(ctx, w.cfg.WriteTimeout)
		err = w.conn.Write(writeCtx, websocket.MessageText, data)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return ReasonServerShutdown
			}
			consecutive++
			if w.OnWriteTimeout != nil {
				w.OnWriteTimeout(item.Class, item.IsPing)
			}
			w.log.Warn("outbound write failed", "err", err, "consecutive", consecutive)
			if w.cfg.CloseOnWriteTimeout && consecutive >= w.cfg.MaxConsecutiveWriteTimeout {
				return ReasonWriteTimeout
			}
			continue
		}

		consecutive = 0
	}
}

// isStale reports whether item belongs to a turn epoch (or, within that
// epoch, a speak_gen) the session has already moved past.
func (w *Writer) isStale(item queue.OutboundItem) bool {
	if item.NoEpoch || w.CurrentEpoch == nil {
		return false
	}
	epoch := w.CurrentEpoch()
	if item.Epoch != epoch {
		return item.Epoch < epoch
	}
	if w.CurrentSpeakGen == nil {
		return false
	}
	return item.SpeakGen < w.CurrentSpeakGen()
}
