package transport

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/relaywire/brain/internal/protocol"
	"github.com/relaywire/brain/internal/queue"
)

// ReaderConfig configures a [Reader].
type ReaderConfig struct {
	MaxFrameBytes int
	IdleTimeout   time.Duration
}

// Reader reads frames off a [Conn], decodes them, classifies them onto an
// [queue.Inbound] queue, and answers ping_pong frames immediately rather
// than routing them through the queue — keepalive replies are latency
// sensitive and must not wait behind a backlog of turn frames.
type Reader struct {
	conn Conn
	in   *queue.Inbound
	cfg  ReaderConfig
	log  *slog.Logger

	OnBadSchema func()
	OnPing      func(protocol.PingPong)
}

// NewReader creates a [Reader].
func NewReader(conn Conn, in *queue.Inbound, cfg ReaderConfig, log *slog.Logger) *Reader {
	return &Reader{conn: conn, in: in, cfg: cfg, log: log}
}

// Run reads frames until ctx is done or a fatal decode/read error occurs.
// It returns the [CloseReason] that ended the loop: ReasonServerShutdown
// with a nil error once ctx is done, ReasonIdleTimeout with a nil error when
// no frame arrives within IdleTimeout, ReasonClientClosed with the read error
// for any other read failure (including the remote end closing the
// connection), and ReasonFrameTooLarge or ReasonBadJSON with the decode error.
func (r *Reader) Run(ctx context.Context) (CloseReason, error) {
	for {
		readCtx := ctx
		var cancel context.CancelFunc
		if r.cfg.IdleTimeout > 0 {
			readCtx, cancel = context.WithTimeout(ctx, r.cfg.IdleTimeout)
		}
		_, data, err := r.conn.Read(readCtx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			if ctx.Err() != nil {
				return ReasonServerShutdown, nil
			}
			if readCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				return ReasonIdleTimeout, nil
			}
			return ReasonClientClosed, err
		}

		in, err := protocol.Decode(data, r.cfg.MaxFrameBytes)
		if err != nil {
			var de *protocol.DecodeError
			if errors.As(err, &de) {
				switch de.Reason {
				case protocol.ReasonFrameTooLarge:
					return ReasonFrameTooLarge, err
				case protocol.ReasonBadJSON:
					return ReasonBadJSON, err
				}
			}
			return ReasonBadJSON, err
		}

		if in.Unknown != nil && r.OnBadSchema != nil {
			r.OnBadSchema()
		}

		if in.PingPong != nil {
			if r.OnPing != nil {
				r.OnPing(*in.PingPong)
			}
			continue
		}

		r.in.Push(queue.InboundItem{Class: classify(in), Frame: in})
	}
}

func classify(in protocol.Inbound) queue.InboundClass {
	switch {
	case in.ResponseRequired != nil, in.ReminderRequired != nil:
		return queue.InTurn
	case in.Clear != nil:
		return queue.InControl
	default:
		return queue.InUpdate
	}
}
