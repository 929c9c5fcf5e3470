// Package mock provides a test double for the producer.Producer interface.
//
// Use Producer in tests to verify the turn machine drives a producer
// correctly, and as the default producer for a brain binary run without a
// real dialogue engine wired in (see cmd/brain).
package mock

import (
	"context"
	"sync"

	"github.com/relaywire/brain/pkg/producer"
)

// Call records a single invocation of Produce.
type Call struct {
	Ctx context.Context
	In  producer.TurnInput
}

// Producer is a mock implementation of producer.Producer. Zero value echoes
// the transcript's last utterance back as a single final chunk; set Chunks
// or Err to control behavior precisely.
type Producer struct {
	mu sync.Mutex

	// Chunks is the sequence emitted on the channel returned by Produce. If
	// nil, Produce synthesizes a single final chunk from the turn input.
	Chunks []producer.Chunk

	// Err, if non-nil, is returned from Produce instead of starting a
	// channel.
	Err error

	// Calls records every invocation of Produce in order.
	Calls []Call
}

// Produce records the call and streams Chunks, or a synthesized single
// chunk if Chunks is nil.
func (p *Producer) Produce(ctx context.Context, in producer.TurnInput) (<-chan producer.Chunk, error) {
	p.mu.Lock()
	if p.Err != nil {
		err := p.Err
		p.Calls = append(p.Calls, Call{Ctx: ctx, In: in})
		p.mu.Unlock()
		return nil, err
	}
	chunks := p.Chunks
	if chunks == nil {
		chunks = []producer.Chunk{{Content: echoContent(in), Final: true}}
	}
	p.Calls = append(p.Calls, Call{Ctx: ctx, In: in})
	p.mu.Unlock()

	out := make(chan producer.Chunk, len(chunks))
	go func() {
		defer close(out)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case out <- c:
			}
		}
	}()
	return out, nil
}

func echoContent(in producer.TurnInput) string {
	if len(in.Transcript) == 0 {
		return "I heard nothing yet."
	}
	return "You said: " + in.Transcript[len(in.Transcript)-1].Content
}

// Reset clears recorded calls. Thread-safe.
func (p *Producer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

var _ producer.Producer = (*Producer)(nil)
