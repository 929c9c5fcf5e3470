package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// defaults mirror the table in spec.md §6.
const (
	defaultInboundQueueMax      = 256
	defaultOutboundQueueMax     = 256
	defaultPingIntervalMs       = 2000
	defaultIdleTimeoutMs        = 30000
	defaultWriteTimeoutMs       = 400
	defaultMaxConsecutiveWrites = 2
	defaultCloseOnWriteTimeout  = true
	defaultMaxFrameBytes        = 262144
	defaultTranscriptMaxUtts    = 200
	defaultTranscriptMaxChars   = 16384
)

// LoadRuntime populates a [Runtime] from the process environment, applying
// the documented defaults for any variable that is unset. Returns a joined
// error listing every malformed or out-of-range value found.
func LoadRuntime() (Runtime, error) {
	var errs []error

	rt := Runtime{
		InboundQueueMax:             envInt("BRAIN_INBOUND_QUEUE_MAX", defaultInboundQueueMax, &errs),
		OutboundQueueMax:            envInt("BRAIN_OUTBOUND_QUEUE_MAX", defaultOutboundQueueMax, &errs),
		PingInterval:                envMillis("BRAIN_PING_INTERVAL_MS", defaultPingIntervalMs, &errs),
		IdleTimeout:                 envMillis("BRAIN_IDLE_TIMEOUT_MS", defaultIdleTimeoutMs, &errs),
		WriteTimeout:                envMillis("WS_WRITE_TIMEOUT_MS", defaultWriteTimeoutMs, &errs),
		MaxConsecutiveWriteTimeouts: envInt("WS_MAX_CONSECUTIVE_WRITE_TIMEOUTS", defaultMaxConsecutiveWrites, &errs),
		CloseOnWriteTimeout:         envBool("WS_CLOSE_ON_WRITE_TIMEOUT", defaultCloseOnWriteTimeout, &errs),
		MaxFrameBytes:               envInt("WS_MAX_FRAME_BYTES", defaultMaxFrameBytes, &errs),
		TranscriptMaxUtterances:     envInt("TRANSCRIPT_MAX_UTTERANCES", defaultTranscriptMaxUtts, &errs),
		TranscriptMaxChars:          envInt("TRANSCRIPT_MAX_CHARS", defaultTranscriptMaxChars, &errs),
		SpeechMarkupMode:            SpeechMarkupMode(envString("SPEECH_MARKUP_MODE", string(MarkupDashPause))),
		DashPauseScope:              DashPauseScope(envString("DASH_PAUSE_SCOPE", string(ScopeProtectedOnly))),
		SpeakFirst:                  envBool("BRAIN_SPEAK_FIRST", false, &errs),
		Priority:                    DefaultPriorityOrder(),
	}

	if err := ValidateRuntime(rt); err != nil {
		errs = append(errs, err)
	}

	return rt, errors.Join(errs...)
}

// ValidateRuntime checks that rt contains a coherent set of values. Returns
// a joined error listing all validation failures found.
func ValidateRuntime(rt Runtime) error {
	var errs []error

	if rt.InboundQueueMax <= 0 {
		errs = append(errs, fmt.Errorf("BRAIN_INBOUND_QUEUE_MAX must be positive, got %d", rt.InboundQueueMax))
	}
	if rt.OutboundQueueMax <= 0 {
		errs = append(errs, fmt.Errorf("BRAIN_OUTBOUND_QUEUE_MAX must be positive, got %d", rt.OutboundQueueMax))
	}
	if rt.PingInterval <= 0 {
		errs = append(errs, fmt.Errorf("BRAIN_PING_INTERVAL_MS must be positive, got %s", rt.PingInterval))
	}
	if rt.IdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("BRAIN_IDLE_TIMEOUT_MS must be positive, got %s", rt.IdleTimeout))
	}
	if rt.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("WS_WRITE_TIMEOUT_MS must be positive, got %s", rt.WriteTimeout))
	}
	if rt.MaxConsecutiveWriteTimeouts <= 0 {
		errs = append(errs, fmt.Errorf("WS_MAX_CONSECUTIVE_WRITE_TIMEOUTS must be positive, got %d", rt.MaxConsecutiveWriteTimeouts))
	}
	if rt.MaxFrameBytes <= 0 {
		errs = append(errs, fmt.Errorf("WS_MAX_FRAME_BYTES must be positive, got %d", rt.MaxFrameBytes))
	}
	if rt.TranscriptMaxUtterances <= 0 {
		errs = append(errs, fmt.Errorf("TRANSCRIPT_MAX_UTTERANCES must be positive, got %d", rt.TranscriptMaxUtterances))
	}
	if rt.TranscriptMaxChars <= 0 {
		errs = append(errs, fmt.Errorf("TRANSCRIPT_MAX_CHARS must be positive, got %d", rt.TranscriptMaxChars))
	}
	if !rt.SpeechMarkupMode.IsValid() {
		errs = append(errs, fmt.Errorf("SPEECH_MARKUP_MODE %q is invalid; valid values: DASH_PAUSE, RAW_TEXT, SSML", rt.SpeechMarkupMode))
	}
	if !rt.DashPauseScope.IsValid() {
		errs = append(errs, fmt.Errorf("DASH_PAUSE_SCOPE %q is invalid; valid values: PROTECTED_ONLY, SEGMENT_BOUNDARY", rt.DashPauseScope))
	}

	return errors.Join(errs...)
}

// LoadBootstrap reads the static server bootstrap config from the YAML file
// at path and validates it.
func LoadBootstrap(path string) (*Bootstrap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	b, err := LoadBootstrapFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return b, nil
}

// LoadBootstrapFromReader decodes a YAML bootstrap config from r and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadBootstrapFromReader(r io.Reader) (*Bootstrap, error) {
	b := &Bootstrap{
		ListenAddr: ":8080",
		LogLevel:   LogLevelInfo,
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(b); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := ValidateBootstrap(b); err != nil {
		return nil, err
	}
	return b, nil
}

// ValidateBootstrap checks that b contains a coherent set of values.
func ValidateBootstrap(b *Bootstrap) error {
	var errs []error
	if b.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr must not be empty"))
	}
	if b.LogLevel != "" && !b.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", b.LogLevel))
	}
	return errors.Join(errs...)
}

// allowlistDoc is the on-disk shape of an AllowlistFile: a flat list of
// permitted call ids (or caller-supplied patterns, matched verbatim).
type allowlistDoc struct {
	CallIDs []string `yaml:"call_ids"`
}

// LoadAllowlist reads the call-id allowlist named by a [Bootstrap]'s
// AllowlistFile and returns it as a set for O(1) membership checks.
func LoadAllowlist(path string) (map[string]struct{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	var doc allowlistDoc
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	set := make(map[string]struct{}, len(doc.CallIDs))
	for _, id := range doc.CallIDs {
		set[id] = struct{}{}
	}
	return set, nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int, errs *[]error) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid integer %q: %w", key, v, err))
		return def
	}
	return n
}

func envMillis(key string, defMs int, errs *[]error) time.Duration {
	return time.Duration(envInt(key, defMs, errs)) * time.Millisecond
}

func envBool(key string, def bool, errs *[]error) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid boolean %q: %w", key, v, err))
		return def
	}
	return b
}
