// Package protocol implements the typed encode/decode layer for the
// Custom-LLM-over-WebSocket contract spoken on the call-side of the brain.
//
// Inbound frames are discriminated by "interaction_type"; outbound frames
// carry "response_type". Unknown inbound variants decode successfully into
// [UnknownInbound] rather than failing — schema drift at the remote end
// must never close a session (see [Decode]).
package protocol

import "encoding/json"

// Inbound interaction type tags.
const (
	TypeResponseRequired = "response_required"
	TypeReminderRequired = "reminder_required"
	TypeUpdateOnly       = "update_only"
	TypePingPong         = "ping_pong"
	TypeClear            = "clear"
	TypeCallDetails      = "call_details"
)

// Outbound response type tags.
const (
	TypeConfig         = "config"
	TypeResponse       = "response"
	TypeAgentInterrupt = "agent_interrupt"
)

// Turntaking values carried on an [UpdateOnly] frame.
const (
	TurntakingUserTurn  = "user_turn"
	TurntakingAgentTurn = "agent_turn"
)

// Inbound is the decoded form of one inbound WebSocket text frame. Exactly
// one of the typed fields is non-nil; Unknown is set when the frame's
// interaction_type was absent or unrecognized.
type Inbound struct {
	Type string

	ResponseRequired *ResponseRequired
	ReminderRequired *ResponseRequired
	UpdateOnly       *UpdateOnly
	PingPong         *PingPong
	Clear            *Clear
	CallDetails      *CallDetails
	Unknown          *UnknownInbound
}

// ResponseRequired models both response_required and reminder_required,
// which share identical wire shape and semantics (§3 of the spec: a
// reminder is delivered "after silence" but is otherwise routed the same
// way as a fresh response request).
type ResponseRequired struct {
	ResponseID int      `json:"response_id"`
	Transcript []Utterance `json:"transcript"`
}

// UpdateOnly is a transcript snapshot, optionally signaling a turntaking
// change (barge-in) via Turntaking == [TurntakingUserTurn].
type UpdateOnly struct {
	Transcript []Utterance `json:"transcript"`
	Turntaking string      `json:"turntaking,omitempty"`
}

// PingPong is the keepalive frame shared by both directions.
type PingPong struct {
	Timestamp int64 `json:"timestamp"`
}

// Clear is an explicit interruption signal; it carries no payload.
type Clear struct{}

// CallDetails is one-shot session metadata delivered at most once per call.
type CallDetails struct {
	CallID   string            `json:"call_id,omitempty"`
	From     string            `json:"from_number,omitempty"`
	To       string            `json:"to_number,omitempty"`
	Custom   map[string]any    `json:"custom,omitempty"`
	Raw      json.RawMessage   `json:"-"`
}

// UnknownInbound carries the raw decoded object for any interaction_type
// this codec does not recognize. Sessions must keep running when one of
// these arrives; only inbound.bad_schema_total is incremented.
type UnknownInbound struct {
	InteractionType string
	Raw             json.RawMessage
}

// Utterance is one entry in a transcript snapshot.
type Utterance struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Outbound is the typed form of one outbound WebSocket text frame, ready
// for [Encode].
type Outbound struct {
	Type           string
	Config         *ConfigFrame
	Response       *ResponseFrame
	PingPong       *PingPong
	AgentInterrupt *AgentInterruptFrame
}

// ConfigFrame is sent once at session open.
type ConfigFrame struct {
	ResponseType      string `json:"response_type"`
	CallID            string `json:"call_id,omitempty"`
	SpeechMarkupMode  string `json:"speech_markup_mode,omitempty"`
}

// ResponseFrame is one outbound speech chunk. ContentComplete is terminal
// for ResponseID.
type ResponseFrame struct {
	ResponseID      int    `json:"response_id"`
	Content         string `json:"content"`
	ContentComplete bool   `json:"content_complete"`
}

// AgentInterruptFrame is reserved and disabled by default (spec.md §3).
type AgentInterruptFrame struct {
	Reason string `json:"reason,omitempty"`
}
