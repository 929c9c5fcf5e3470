package transport

// CloseReason is the typed taxonomy of why a session's WebSocket connection
// ended. Every session ends with exactly one CloseReason, which is both
// logged and fed to the ws_close_reason_total counter (see [CloseReason.Metric]).
type CloseReason int

const (
	// ReasonUnknown is never reported intentionally; its presence in a log
	// line indicates a code path that forgot to set a reason.
	ReasonUnknown CloseReason = iota
	// ReasonNormal is a clean, caller-initiated close.
	ReasonNormal
	// ReasonFrameTooLarge mirrors protocol.ReasonFrameTooLarge.
	ReasonFrameTooLarge
	// ReasonBadJSON mirrors protocol.ReasonBadJSON.
	ReasonBadJSON
	// ReasonIdleTimeout fires when no inbound activity arrives within
	// BRAIN_IDLE_TIMEOUT_MS.
	ReasonIdleTimeout
	// ReasonWriteTimeout fires after WS_MAX_CONSECUTIVE_WRITE_TIMEOUTS
	// consecutive write deadlines are exceeded and WS_CLOSE_ON_WRITE_TIMEOUT
	// is enabled.
	ReasonWriteTimeout
	// ReasonClientClosed is a close frame or read error originating from
	// the remote end.
	ReasonClientClosed
	// ReasonServerShutdown is a close driven by the process shutting down.
	ReasonServerShutdown
	// ReasonAllowlistRejected is a close triggered before any frame was
	// processed, because the call did not pass the session allowlist hook.
	ReasonAllowlistRejected
)

func (r CloseReason) String() string {
	switch r {
	case ReasonNormal:
		return "normal"
	case ReasonFrameTooLarge:
		return "frame_too_large"
	case ReasonBadJSON:
		return "bad_json"
	case ReasonIdleTimeout:
		return "idle_timeout"
	case ReasonWriteTimeout:
		return "write_timeout"
	case ReasonClientClosed:
		return "client_closed"
	case ReasonServerShutdown:
		return "server_shutdown"
	case ReasonAllowlistRejected:
		return "allowlist_rejected"
	default:
		return "unknown"
	}
}

// Metric returns the ws_close_reason_total label value for this reason,
// matching the wire-level close-reason taxonomy.
func (r CloseReason) Metric() string {
	switch r {
	case ReasonNormal:
		return "NORMAL"
	case ReasonFrameTooLarge:
		return "FRAME_TOO_LARGE"
	case ReasonBadJSON:
		return "BAD_JSON"
	case ReasonIdleTimeout:
		return "IDLE_TIMEOUT"
	case ReasonWriteTimeout:
		return "WRITE_TIMEOUT_BACKPRESSURE"
	case ReasonClientClosed:
		return "PEER_CLOSE"
	case ReasonServerShutdown:
		return "SHUTDOWN"
	case ReasonAllowlistRejected:
		return "ALLOWLIST_REJECTED"
	default:
		return "UNKNOWN"
	}
}
