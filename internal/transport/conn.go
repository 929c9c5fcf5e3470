// Package transport implements the framed WebSocket transport for one call:
// a reader loop that decodes inbound frames onto the inbound priority queue,
// and a writer loop that drains the outbound priority queue under a
// per-frame write deadline, escalating to a close after too many
// consecutive timeouts (spec.md §4.2).
package transport

import (
	"context"

	"github.com/coder/websocket"
)

// Conn is the subset of *websocket.Conn the reader and writer use. Narrowed
// to an interface, matching the teacher's own habit of depending on a
// provider-level interface (s2s.Provider, engine.VoiceEngine) rather than a
// concrete type, so tests can drive the loops without a real socket.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// StatusForReason maps a CloseReason onto the WebSocket close status code
// sent to the remote end. Exported so internal/session can close the
// connection with the same mapping the writer itself would use.
func StatusForReason(r CloseReason) websocket.StatusCode {
	return reasonToStatus(r)
}

// reasonToStatus maps a CloseReason onto the WebSocket close status code
// sent to the remote end.
func reasonToStatus(r CloseReason) websocket.StatusCode {
	switch r {
	case ReasonNormal, ReasonServerShutdown:
		return websocket.StatusNormalClosure
	case ReasonFrameTooLarge:
		return websocket.StatusMessageTooBig
	case ReasonBadJSON:
		return websocket.StatusUnsupportedData
	case ReasonAllowlistRejected:
		return websocket.StatusPolicyViolation
	default:
		return websocket.StatusInternalError
	}
}
