package turn

import (
	"context"
	"log/slog"

	"github.com/relaywire/brain/internal/protocol"
	"github.com/relaywire/brain/internal/queue"
	"github.com/relaywire/brain/pkg/producer"
)

// runTurn drives one turn end to end: an immediate ACK chunk so the caller
// sees activity before the producer has generated anything, the streamed
// content chunks, and exactly one terminal frame. Grounded on the teacher's
// forwardAudio: a silence-timer-free variant of the same "read from a
// producer-owned channel, write to the queue, stop cleanly on ctx.Done or
// channel close" loop, plus npc.go's HandleUtterance pattern of checking
// ctx.Err() both before and after the call that can block.
//
// speakGen reports the session's live speak_gen for epoch at call time; it
// is read once per emitted segment rather than counted locally, since
// speak_gen only changes on a same-epoch barge-in the machine drives, not
// on anything the handler itself does.
//
// On normal completion (the producer's channel closes after a Final chunk,
// or simply closes) or on a producer error, runTurn enqueues one OutTerminal
// response frame with ContentComplete=true — leaving the remote state
// machine in a defined state either way (spec.md §7: producer failure is
// contained here, but a terminal frame is still owed for the epoch). On
// cancellation (barge-in, clear, or a newer turn preempting this one)
// runTurn emits nothing at all: the machine owns the empty terminal frame
// for a same-epoch preemption, and an epoch transition needs no frame since
// the writer's staleness check already suppresses anything still queued
// under the old epoch.
func runTurn(ctx context.Context, log *slog.Logger, out *queue.Outbound, prd producer.Producer, in producer.TurnInput, epoch int, speakGen func() int) (result Result) {
	result = Result{ResponseID: in.ResponseID}

	defer func() {
		if r := recover(); r != nil {
			log.Error("turn handler panic", "response_id", in.ResponseID, "panic", r)
			result.Err = epochMismatch(epoch)
			enqueueTerminal(out, in.ResponseID, epoch, speakGen())
		}
	}()

	if ctx.Err() != nil {
		result.Preempted = true
		return result
	}

	out.Push(queue.OutboundItem{
		Class:    queue.OutSpeech,
		Epoch:    epoch,
		SpeakGen: speakGen(),
		Frame: protocol.Outbound{
			Type:     protocol.TypeResponse,
			Response: &protocol.ResponseFrame{ResponseID: in.ResponseID, Content: ""},
		},
	})

	chunks, err := prd.Produce(ctx, in)
	if err != nil {
		result.Err = err
		enqueueTerminal(out, in.ResponseID, epoch, speakGen())
		return result
	}

	for {
		select {
		case <-ctx.Done():
			result.Preempted = true
			return result

		case chunk, ok := <-chunks:
			if !ok {
				enqueueTerminal(out, in.ResponseID, epoch, speakGen())
				return result
			}
			out.Push(queue.OutboundItem{
				Class:    queue.OutSpeech,
				Epoch:    epoch,
				SpeakGen: speakGen(),
				Frame: protocol.Outbound{
					Type: protocol.TypeResponse,
					Response: &protocol.ResponseFrame{
						ResponseID:      in.ResponseID,
						Content:         chunk.Content,
						ContentComplete: false,
					},
				},
			})
			if chunk.Final {
				enqueueTerminal(out, in.ResponseID, epoch, speakGen())
				return result
			}
		}
	}
}

func enqueueTerminal(out *queue.Outbound, responseID, epoch, speakGen int) {
	out.Push(queue.OutboundItem{
		Class:    queue.OutTerminal,
		Epoch:    epoch,
		SpeakGen: speakGen,
		Frame: protocol.Outbound{
			Type: protocol.TypeResponse,
			Response: &protocol.ResponseFrame{
				ResponseID:      responseID,
				Content:         "",
				ContentComplete: true,
			},
		},
	})
}
