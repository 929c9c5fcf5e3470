// Package memory implements the bounded transcript ring described in
// spec.md §4.7: a fixed-size, deterministically-compacting record of a
// call's utterances, with phone numbers minimized to their last four
// digits before anything is retained.
//
// Grounded on entity.MemStore's mutex-guarded map construction (RWMutex,
// zero value not ready to use, explicit constructor) generalized from a
// keyed store to an ordered ring, plus the index-based "only process what's
// new since last time" bookkeeping in session.Consolidator.consolidate.
package memory

import (
	"regexp"
	"sync"
	"time"

	"github.com/relaywire/brain/internal/protocol"
)

// Entry is one utterance retained in the ring.
type Entry struct {
	Role      string
	Content   string
	Timestamp time.Time
}

// Config bounds a [Ring]'s size. Both bounds are enforced; whichever is hit
// first triggers compaction.
type Config struct {
	MaxUtterances int
	MaxChars      int
}

// phoneRe matches runs of 7 or more digits, optionally separated by spaces,
// dashes, dots or parens — permissive on purpose since the goal is to never
// retain a recognizable phone number, not to validate one.
var phoneRe = regexp.MustCompile(`(?:\(?\d{3}\)?[-.\s]?)?\d{3}[-.\s]?\d{4,}`)

// Redact replaces all but the last four digits of anything in s that looks
// like a phone number with '•'.
func Redact(s string) string {
	return phoneRe.ReplaceAllStringFunc(s, func(match string) string {
		runes := []rune(match)
		totalDigits := 0
		for _, r := range runes {
			if r >= '0' && r <= '9' {
				totalDigits++
			}
		}
		if totalDigits < 7 {
			return match
		}

		out := make([]rune, len(runes))
		seen := 0
		for i, r := range runes {
			if r < '0' || r > '9' {
				out[i] = r
				continue
			}
			seen++
			if totalDigits-seen < 4 {
				out[i] = r
			} else {
				out[i] = '•'
			}
		}
		return string(out)
	})
}

// Ring is a bounded, append-only (within its window) record of a call's
// transcript. Safe for concurrent use.
type Ring struct {
	cfg Config

	onCompaction func()

	mu      sync.Mutex
	entries []Entry
	chars   int
}

// New creates a [Ring] bounded by cfg. onCompaction, if non-nil, is called
// once each time an Append triggers eviction of older entries (wire to
// memory.transcript_compactions_total).
func New(cfg Config, onCompaction func()) *Ring {
	return &Ring{cfg: cfg, onCompaction: onCompaction}
}

// Append adds one utterance, redacting phone numbers first, then evicts the
// oldest entries until both bounds are satisfied.
func (r *Ring) Append(role, content string, ts time.Time) {
	content = Redact(content)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = append(r.entries, Entry{Role: role, Content: content, Timestamp: ts})
	r.chars += len(content)

	compacted := false
	for r.overBoundsLocked() {
		evicted := r.entries[0]
		r.entries = r.entries[1:]
		r.chars -= len(evicted.Content)
		compacted = true
	}
	if compacted && r.onCompaction != nil {
		r.onCompaction()
	}
}

func (r *Ring) overBoundsLocked() bool {
	if r.cfg.MaxUtterances > 0 && len(r.entries) > r.cfg.MaxUtterances {
		return true
	}
	if r.cfg.MaxChars > 0 && r.chars > r.cfg.MaxChars {
		return true
	}
	return false
}

// AppendTranscript applies one response_required/reminder_required
// transcript snapshot, appending only entries beyond what has already been
// recorded. index is the caller's bookkeeping of how many utterances from
// this snapshot have already been applied, and the new count is returned.
func (r *Ring) AppendTranscript(utterances []protocol.Utterance, index int, ts time.Time) int {
	for i := index; i < len(utterances); i++ {
		r.Append(utterances[i].Role, utterances[i].Content, ts)
	}
	return len(utterances)
}

// Snapshot returns a copy of the currently retained entries, oldest first.
func (r *Ring) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// AsUtterances converts the current snapshot to [protocol.Utterance] for
// handing off to a [producer.TurnInput].
func (r *Ring) AsUtterances() []protocol.Utterance {
	snap := r.Snapshot()
	out := make([]protocol.Utterance, len(snap))
	for i, e := range snap {
		out[i] = protocol.Utterance{Role: e.Role, Content: e.Content}
	}
	return out
}
