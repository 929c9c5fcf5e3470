// Package config provides the brain's configuration surface: a set of
// enumerated, documented environment variables for the per-call tunables
// (queue sizes, timeouts, speech markup mode), plus a small static YAML
// bootstrap file for things env vars don't fit well (listen address, log
// level, the allowlist source).
package config

import "time"

// SpeechMarkupMode controls how dash-pause tokens are emitted in outbound
// speech content.
type SpeechMarkupMode string

const (
	// MarkupDashPause embeds literal " - " tokens for pacing (default).
	MarkupDashPause SpeechMarkupMode = "DASH_PAUSE"
	// MarkupRawText emits content with no pacing tokens at all.
	MarkupRawText SpeechMarkupMode = "RAW_TEXT"
	// MarkupSSML emits SSML markup instead of dash tokens.
	MarkupSSML SpeechMarkupMode = "SSML"
)

// IsValid reports whether m is a recognised speech markup mode.
func (m SpeechMarkupMode) IsValid() bool {
	switch m {
	case MarkupDashPause, MarkupRawText, MarkupSSML:
		return true
	default:
		return false
	}
}

// DashPauseScope controls which spans of outbound content get dash-pause
// tokenisation when SpeechMarkupMode is [MarkupDashPause].
type DashPauseScope string

const (
	// ScopeProtectedOnly restricts dash-pause tokens to protected spans
	// (e.g. digit sequences), rendering them as "d - d - d - d".
	ScopeProtectedOnly DashPauseScope = "PROTECTED_ONLY"
	// ScopeSegmentBoundary additionally inserts dash-pause tokens between
	// sentence-level segments.
	ScopeSegmentBoundary DashPauseScope = "SEGMENT_BOUNDARY"
)

// IsValid reports whether s is a recognised dash-pause scope.
func (s DashPauseScope) IsValid() bool {
	return s == ScopeProtectedOnly || s == ScopeSegmentBoundary
}

// LogLevel controls slog verbosity for the bootstrap config.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	default:
		return false
	}
}

// PriorityOrder is the outbound class tie-break order, most to least
// urgent. Defaults to ["CONTROL", "TERMINAL", "SPEECH", "LOW"], resolving
// spec.md's Open Question that CONTROL (ping_pong, interrupt terminals)
// outranks TERMINAL during a simultaneous backlog.
type PriorityOrder []string

// DefaultPriorityOrder is the documented default tie-break order.
func DefaultPriorityOrder() PriorityOrder {
	return PriorityOrder{"CONTROL", "TERMINAL", "SPEECH", "LOW"}
}

// Runtime holds the enumerated, env-var-driven tunables from spec.md §6.
// Every field corresponds to one documented BRAIN_*/WS_*/TRANSCRIPT_*/
// SPEECH_*/DASH_* environment variable. Use [LoadRuntime] to populate this
// from the process environment with documented defaults.
type Runtime struct {
	// InboundQueueMax is BRAIN_INBOUND_QUEUE_MAX (default 256).
	InboundQueueMax int

	// OutboundQueueMax is BRAIN_OUTBOUND_QUEUE_MAX (default 256).
	OutboundQueueMax int

	// PingInterval is BRAIN_PING_INTERVAL_MS (default 2000ms).
	PingInterval time.Duration

	// IdleTimeout is BRAIN_IDLE_TIMEOUT_MS (no spec default; 30s chosen
	// here as a conservative bound consistent with WriteTimeout/
	// PingInterval).
	IdleTimeout time.Duration

	// WriteTimeout is WS_WRITE_TIMEOUT_MS (default 400ms).
	WriteTimeout time.Duration

	// MaxConsecutiveWriteTimeouts is WS_MAX_CONSECUTIVE_WRITE_TIMEOUTS
	// (default 2).
	MaxConsecutiveWriteTimeouts int

	// CloseOnWriteTimeout is WS_CLOSE_ON_WRITE_TIMEOUT (default true).
	CloseOnWriteTimeout bool

	// MaxFrameBytes is WS_MAX_FRAME_BYTES (default 262144).
	MaxFrameBytes int

	// TranscriptMaxUtterances is TRANSCRIPT_MAX_UTTERANCES (default 200).
	TranscriptMaxUtterances int

	// TranscriptMaxChars is TRANSCRIPT_MAX_CHARS (default 16384).
	TranscriptMaxChars int

	// SpeechMarkupMode is SPEECH_MARKUP_MODE (default DASH_PAUSE).
	SpeechMarkupMode SpeechMarkupMode

	// DashPauseScope is DASH_PAUSE_SCOPE (default PROTECTED_ONLY).
	DashPauseScope DashPauseScope

	// SpeakFirst is BRAIN_SPEAK_FIRST (default false). It is loaded and
	// validated here only: no other package reads it, and the session sends
	// no opening response_id=0 greeting whether it is true or false.
	SpeakFirst bool

	// Priority is the CONTROL/TERMINAL/SPEECH/LOW tie-break order. It is
	// not env-configurable and the outbound queue does not read it: the
	// queue's order is fixed by queue.OutboundClass, which this default
	// matches.
	Priority PriorityOrder
}

// Bootstrap is the static, non-hot-reloaded server configuration: the bits
// env vars don't fit well. Loaded from a YAML file via [LoadBootstrap].
type Bootstrap struct {
	// ListenAddr is the TCP address the HTTP/WebSocket server listens on.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls slog verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// AllowlistFile optionally names a YAML file listing the permitted
	// call ids for the session allowlist hook, each matched exactly. Empty
	// means no allowlist is enforced.
	AllowlistFile string `yaml:"allowlist_file"`
}
