// Package queue implements the bounded, priority-aware inbound and outbound
// queues described in spec.md §4.3. Both queues share the same heap-plus-
// notify shape used by the teacher's audio mixer (container/heap ordered by
// priority with FIFO tie-break on a monotonic sequence, and a buffered
// notify channel that wakes a single consumer goroutine) but add the
// eviction policies the mixer never needed: tail-drop on the outbound side,
// oldest-first-except-latest-turn on the inbound side.
package queue

// OutboundClass is the priority class of an outbound frame (spec.md §4.3).
// Zero value is the lowest class on purpose so a zero-valued item never
// accidentally outranks real control traffic.
type OutboundClass int

const (
	// OutLow is non-urgent outbound traffic (reserved for future use).
	OutLow OutboundClass = iota
	// OutSpeech is a non-terminal response chunk.
	OutSpeech
	// OutTerminal is a response frame with content_complete=true.
	OutTerminal
	// OutControl is ping_pong and the interrupt-terminated empty response.
	OutControl
)

func (c OutboundClass) String() string {
	switch c {
	case OutControl:
		return "CONTROL"
	case OutTerminal:
		return "TERMINAL"
	case OutSpeech:
		return "SPEECH"
	default:
		return "LOW"
	}
}

// protected reports whether items of this class are exempt from eviction
// (spec.md §4.3: "never drop CONTROL or TERMINAL").
func (c OutboundClass) protected() bool {
	return c == OutControl || c == OutTerminal
}

// InboundClass is the priority class of an inbound frame (spec.md §4.3).
type InboundClass int

const (
	// InUpdate is a transcript snapshot with no turntaking change.
	InUpdate InboundClass = iota
	// InTurn is response_required / reminder_required.
	InTurn
	// InControl is ping_pong and clear.
	InControl
)

func (c InboundClass) String() string {
	switch c {
	case InControl:
		return "CONTROL"
	case InTurn:
		return "TURN"
	default:
		return "UPDATE"
	}
}
