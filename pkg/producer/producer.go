// Package producer defines the boundary between the turn machine and the
// external dialogue engine that actually decides what to say.
//
// The brain never generates text itself. Every response_required or
// reminder_required frame is handed off to a [Producer], which streams back
// content chunks that the turn handler relays to the caller as response
// frames. This package defines only the contract; the only implementation
// the brain ships is the test double in pkg/producer/mock, which cmd/brain
// also uses by default, the same way [engine.VoiceEngine] in the
// teacher's codebase is implemented exclusively by provider-specific
// packages outside the core engine loop.
package producer

import (
	"context"

	"github.com/relaywire/brain/internal/protocol"
)

// TurnInput is everything a [Producer] needs to generate a response.
type TurnInput struct {
	// CallID identifies the call this turn belongs to.
	CallID string
	// ResponseID is the response_id the remote end expects echoed back on
	// every chunk of the reply.
	ResponseID int
	// Transcript is the conversation so far, oldest first.
	Transcript []protocol.Utterance
	// Reminder is true when this turn originated from a reminder_required
	// frame (silence follow-up) rather than response_required.
	Reminder bool
	// CallDetails carries the one-shot session metadata delivered at call
	// start, if any was received before this turn began.
	CallDetails *protocol.CallDetails
	// TranscriptUpdates carries a fresher transcript snapshot when the
	// platform retransmits response_required/reminder_required for the
	// turn already in flight, so a Produce call already running can pick up
	// the latest utterances instead of the turn being torn down and
	// restarted. Buffered by one and only ever holds the latest snapshot;
	// a Producer that doesn't care may leave it unread — a nil channel
	// receive in a select simply never fires.
	TranscriptUpdates <-chan []protocol.Utterance
}

// Chunk is one piece of a streamed response. Final marks the last chunk of
// a turn; once received, the turn handler emits a terminal response frame
// and the stream must produce no further chunks.
type Chunk struct {
	Content string
	Final   bool
}

// Producer generates a streamed response for one turn. Implementations are
// supplied by the operator of the brain, not by this module.
//
// Produce must respect ctx: when ctx is canceled (barge-in, a newer turn
// preempting this one, or session shutdown) the implementation should stop
// producing and close the returned channel promptly. A Producer that leaks
// a goroutine past ctx cancellation will starve its own Engine's
// concurrency budget across calls.
type Producer interface {
	Produce(ctx context.Context, in TurnInput) (<-chan Chunk, error)
}
