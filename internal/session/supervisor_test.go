package session_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/relaywire/brain/internal/config"
	"github.com/relaywire/brain/internal/observe"
	"github.com/relaywire/brain/internal/session"
	"github.com/relaywire/brain/pkg/producer"
)

// fakeConn implements transport.Conn over in-memory channels, matching the
// style of internal/transport's own fakeConn fixture.
type fakeConn struct {
	reads   chan []byte
	readErr error

	writes chan []byte

	closeCode   websocket.StatusCode
	closeReason string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		reads:  make(chan []byte, 16),
		writes: make(chan []byte, 16),
	}
}

func (f *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	if f.readErr != nil {
		return 0, nil, f.readErr
	}
	select {
	case data, ok := <-f.reads:
		if !ok {
			return 0, nil, errors.New("fakeConn: closed")
		}
		return websocket.MessageText, data, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (f *fakeConn) Write(_ context.Context, _ websocket.MessageType, data []byte) error {
	select {
	case f.writes <- data:
	default:
	}
	return nil
}

func (f *fakeConn) Close(code websocket.StatusCode, reason string) error {
	f.closeCode = code
	f.closeReason = reason
	return nil
}

// echoProducer streams back the transcript's last utterance content as a
// single final chunk, enough to exercise the turn handler end to end.
type echoProducer struct{}

func (echoProducer) Produce(ctx context.Context, in producer.TurnInput) (<-chan producer.Chunk, error) {
	ch := make(chan producer.Chunk, 1)
	go func() {
		defer close(ch)
		select {
		case ch <- producer.Chunk{Content: "hello", Final: true}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

func testRuntime() config.Runtime {
	return config.Runtime{
		InboundQueueMax:             16,
		OutboundQueueMax:            16,
		PingInterval:                time.Hour, // keep the keepalive loop quiet in tests
		IdleTimeout:                 2 * time.Second,
		WriteTimeout:                time.Second,
		MaxConsecutiveWriteTimeouts: 2,
		CloseOnWriteTimeout:         true,
		MaxFrameBytes:               1 << 16,
		TranscriptMaxUtterances:     100,
		TranscriptMaxChars:          4096,
		SpeechMarkupMode:            config.MarkupDashPause,
		DashPauseScope:              config.ScopeProtectedOnly,
	}
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func testLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSupervisor_RunsTurnAndClosesOnPeerClose(t *testing.T) {
	conn := newFakeConn()
	deps := session.Deps{
		Conn:     conn,
		Producer: echoProducer{},
		Runtime:  testRuntime(),
		Metrics:  testMetrics(t),
		Log:      testLog(),
	}
	sup := session.New(deps, session.CallDetails{CallID: "call-1"})

	conn.reads <- []byte(`{"interaction_type":"response_required","response_id":1,"transcript":[{"role":"user","content":"hi"}]}`)
	close(conn.reads)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res := sup.Run(ctx)

	if res.CallID != "call-1" {
		t.Errorf("CallID = %q, want call-1", res.CallID)
	}
	if len(conn.writes) == 0 {
		t.Fatal("expected at least one outbound frame (config + response)")
	}
}

func TestSupervisor_GeneratesCallIDWhenUnset(t *testing.T) {
	conn := newFakeConn()
	close(conn.reads)
	deps := session.Deps{
		Conn:     conn,
		Producer: echoProducer{},
		Runtime:  testRuntime(),
		Metrics:  testMetrics(t),
		Log:      testLog(),
	}
	sup := session.New(deps, session.CallDetails{})

	if sup.CallID() == "" {
		t.Fatal("expected a generated call id, got empty string")
	}
}

func TestSupervisor_RejectsDisallowedCall(t *testing.T) {
	conn := newFakeConn()
	deps := session.Deps{
		Conn:     conn,
		Producer: echoProducer{},
		Runtime:  testRuntime(),
		Metrics:  testMetrics(t),
		Log:      testLog(),
		Allow: func(callID string, _ session.CallDetails) bool {
			return false
		},
	}
	sup := session.New(deps, session.CallDetails{CallID: "blocked"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res := sup.Run(ctx)

	if res.Reason.String() != "allowlist_rejected" {
		t.Errorf("Reason = %v, want allowlist_rejected", res.Reason)
	}
	if conn.closeCode != websocket.StatusPolicyViolation {
		t.Errorf("closeCode = %v, want StatusPolicyViolation", conn.closeCode)
	}
}

func TestSupervisor_NilAllowlistAllowsEverything(t *testing.T) {
	conn := newFakeConn()
	close(conn.reads)
	deps := session.Deps{
		Conn:     conn,
		Producer: echoProducer{},
		Runtime:  testRuntime(),
		Metrics:  testMetrics(t),
		Log:      testLog(),
	}
	sup := session.New(deps, session.CallDetails{CallID: "call-2"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res := sup.Run(ctx)

	if res.Reason.String() == "allowlist_rejected" {
		t.Fatal("expected the call to be allowed with a nil AllowlistFunc")
	}
}

func TestSupervisor_ContextCancelEndsSession(t *testing.T) {
	conn := newFakeConn()
	deps := session.Deps{
		Conn:     conn,
		Producer: echoProducer{},
		Runtime:  testRuntime(),
		Metrics:  testMetrics(t),
		Log:      testLog(),
	}
	sup := session.New(deps, session.CallDetails{CallID: "call-3"})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan session.Result, 1)
	go func() { done <- sup.Run(ctx) }()

	select {
	case res := <-done:
		if res.CallID != "call-3" {
			t.Errorf("CallID = %q, want call-3", res.CallID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
