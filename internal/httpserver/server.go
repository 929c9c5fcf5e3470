// Package httpserver exposes the brain's external HTTP surface: the
// Custom-LLM WebSocket endpoint (canonical path plus a legacy alias), and
// the operational /healthz, /readyz and /metrics routes.
//
// Grounded on cmd/glyphoxa/main.go's overall run()/shutdown shape: a single
// long-lived server value constructed with its dependencies, started with
// a context, and torn down with a bounded shutdown context.
package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaywire/brain/internal/config"
	"github.com/relaywire/brain/internal/health"
	"github.com/relaywire/brain/internal/observe"
	"github.com/relaywire/brain/internal/session"
	"github.com/relaywire/brain/pkg/producer"
)

// canonicalPath and legacyPath are the two URL shapes the remote end may
// dial, both carrying the call id as the final path segment (SPEC_FULL.md
// §7). Both are mounted to the same handler. legacyPath is a deprecated
// alias kept for backward compatibility; canonicalPath is the documented one.
const (
	canonicalPath = "GET /llm-websocket/{call_id}"
	legacyPath    = "GET /ws/llm/{call_id}"
)

// Deps bundles the dependencies every accepted call's [session.Supervisor]
// shares. Runtime, Metrics, Producer and Allow are read once per accepted
// connection; nothing here is mutated after [New].
type Deps struct {
	Producer producer.Producer
	Runtime  config.Runtime
	Metrics  *observe.Metrics
	Log      *slog.Logger
	Allow    session.AllowlistFunc

	// Checkers feed the /readyz endpoint. Optional.
	Checkers []health.Checker
}

// Server serves the brain's HTTP and WebSocket surface on one listen
// address.
type Server struct {
	deps Deps
	http *http.Server

	wg sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]context.CancelFunc
}

// New builds a [Server] listening on addr. Call [Server.Serve] to start
// accepting connections and [Server.Shutdown] to stop.
func New(addr string, deps Deps) *Server {
	s := &Server{deps: deps, sessions: make(map[string]context.CancelFunc)}

	mux := http.NewServeMux()
	health.New(deps.Checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc(canonicalPath, s.handleWebSocket)
	mux.HandleFunc(legacyPath, s.handleWebSocket)

	var handler http.Handler = mux
	if deps.Metrics != nil {
		handler = observe.Middleware(deps.Metrics)(mux)
	}

	s.http = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Serve starts accepting connections and blocks until the server stops or
// ctx is canceled. A canceled ctx triggers an internal graceful shutdown;
// returns nil in that case rather than [http.ErrServerClosed].
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.http.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown stops accepting new connections, cancels every in-flight
// session, and waits for them to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)

	s.mu.Lock()
	for _, cancel := range s.sessions {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// handleWebSocket upgrades the request, wires a [session.Supervisor] for the
// call named by the {call_id} path segment, and runs it until the
// connection closes or the server shuts down. Each call runs on its own
// goroutine so a slow or misbehaving caller never blocks accepting others.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	callID := strings.TrimSpace(r.PathValue("call_id"))

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.deps.Log.Warn("websocket accept failed", "err", err, "call_id", callID)
		return
	}

	sup := session.New(session.Deps{
		Conn:     conn,
		Producer: s.deps.Producer,
		Runtime:  s.deps.Runtime,
		Metrics:  s.deps.Metrics,
		Log:      s.deps.Log,
		Allow:    s.deps.Allow,
	}, session.CallDetails{CallID: callID})

	callCtx, cancel := context.WithCancel(context.Background())
	s.trackSession(sup.CallID(), cancel)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.untrackSession(sup.CallID())
		defer cancel()
		res := sup.Run(callCtx)
		if res.Err != nil {
			s.deps.Log.Warn("session ended with error", "call_id", res.CallID, "reason", res.Reason.String(), "err", res.Err)
		}
	}()
}

func (s *Server) trackSession(callID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[callID] = cancel
}

func (s *Server) untrackSession(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, callID)
}
