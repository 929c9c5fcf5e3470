// Package resilience guards calls to the dialogue producer with a circuit
// breaker so a backend outage degrades into fast [ErrCircuitOpen] failures
// instead of every turn hanging on the producer's own timeout.
//
// [ProducerBreaker] is safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/relaywire/brain/pkg/producer"
)

// ErrCircuitOpen is returned by [ProducerBreaker.Produce] when the breaker is
// open and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [ProducerBreaker].
type State int

const (
	// StateClosed is the normal operating state — all calls reach the producer.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped due to consecutive producer
	// failures. Calls are rejected immediately with [ErrCircuitOpen] until the
	// reset timeout elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the reset timeout. A
	// limited number of calls are let through; if they succeed the breaker
	// closes, otherwise it re-opens.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds the tuning knobs for a [ProducerBreaker].
type CircuitBreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxFailures is the number of consecutive Produce failures in the closed
	// state before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before transitioning to
	// half-open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the maximum number of probe calls allowed in the
	// half-open state before the breaker decides to close or re-open.
	// Default: 3.
	HalfOpenMax int
}

// ProducerBreaker wraps a producer.Producer with a three-state circuit
// breaker (closed → open → half-open). A producer that starts failing every
// call (backend outage, bad credentials) trips the breaker instead of being
// retried once per turn indefinitely; while open, Produce fails fast with
// [ErrCircuitOpen] so the turn handler can enqueue its terminal frame
// immediately rather than waiting out whatever timeout the producer itself
// would have taken.
//
// Only the call that establishes the stream is guarded; once chunks start
// flowing, a mid-stream failure is the caller's concern, not the breaker's.
type ProducerBreaker struct {
	prd producer.Producer

	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailure     time.Time
	halfOpenCalls   int
	halfOpenFails   int
}

// NewProducerBreaker wraps prd with a breaker configured by cfg. Zero-value
// config fields are replaced with sensible defaults.
func NewProducerBreaker(prd producer.Producer, cfg CircuitBreakerConfig) *ProducerBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &ProducerBreaker{
		prd:          prd,
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		state:        StateClosed,
	}
}

// Produce calls the wrapped producer's Produce if the breaker allows it. In
// the open state it returns [ErrCircuitOpen] without calling the producer.
// In the half-open state a limited number of probe calls are permitted.
func (p *ProducerBreaker) Produce(ctx context.Context, in producer.TurnInput) (<-chan producer.Chunk, error) {
	inHalfOpen, err := p.admit()
	if err != nil {
		return nil, err
	}

	ch, produceErr := p.prd.Produce(ctx, in)

	p.mu.Lock()
	if produceErr != nil {
		p.recordFailureLocked(inHalfOpen)
	} else {
		p.recordSuccessLocked(inHalfOpen)
	}
	p.mu.Unlock()

	if produceErr != nil {
		return nil, produceErr
	}
	return ch, nil
}

// admit decides whether a call may proceed, transitioning open→half-open if
// the reset timeout has elapsed, and reports whether the call counts as a
// half-open probe.
func (p *ProducerBreaker) admit() (inHalfOpen bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case StateOpen:
		if time.Since(p.lastFailure) >= p.resetTimeout {
			p.state = StateHalfOpen
			p.halfOpenCalls = 0
			p.halfOpenFails = 0
			slog.Info("circuit breaker transitioning to half-open", "name", p.name)
		} else {
			return false, ErrCircuitOpen
		}

	case StateHalfOpen:
		if p.halfOpenCalls >= p.halfOpenMax {
			return false, ErrCircuitOpen
		}
	}

	inHalfOpen = p.state == StateHalfOpen
	if inHalfOpen {
		p.halfOpenCalls++
	}
	return inHalfOpen, nil
}

// recordFailureLocked handles failure accounting. Must be called with p.mu held.
func (p *ProducerBreaker) recordFailureLocked(inHalfOpen bool) {
	p.lastFailure = time.Now()

	if inHalfOpen {
		p.halfOpenFails++
		// Any failure in half-open immediately re-opens.
		p.state = StateOpen
		p.consecutiveFail = p.maxFailures
		slog.Warn("circuit breaker re-opened from half-open", "name", p.name)
		return
	}

	p.consecutiveFail++
	if p.consecutiveFail >= p.maxFailures {
		p.state = StateOpen
		slog.Warn("circuit breaker opened", "name", p.name, "consecutive_failures", p.consecutiveFail)
	}
}

// recordSuccessLocked handles success accounting. Must be called with p.mu held.
func (p *ProducerBreaker) recordSuccessLocked(inHalfOpen bool) {
	if inHalfOpen {
		successes := p.halfOpenCalls - p.halfOpenFails
		if successes >= p.halfOpenMax {
			p.state = StateClosed
			p.consecutiveFail = 0
			p.halfOpenCalls = 0
			p.halfOpenFails = 0
			slog.Info("circuit breaker closed after successful probes", "name", p.name)
		}
		return
	}

	p.consecutiveFail = 0
}

// State returns the current [State] of the breaker. If the breaker is open
// and the reset timeout has elapsed, the returned state is [StateHalfOpen]
// (the actual transition happens on the next Produce call).
func (p *ProducerBreaker) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateOpen && time.Since(p.lastFailure) >= p.resetTimeout {
		return StateHalfOpen
	}
	return p.state
}

// Reset manually forces the breaker back to [StateClosed], clearing all
// failure counters.
func (p *ProducerBreaker) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state = StateClosed
	p.consecutiveFail = 0
	p.halfOpenCalls = 0
	p.halfOpenFails = 0
	slog.Info("circuit breaker manually reset", "name", p.name)
}

var _ producer.Producer = (*ProducerBreaker)(nil)
