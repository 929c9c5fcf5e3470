// Command brain is the main entry point for the relaywire voice-agent brain:
// a per-call WebSocket orchestrator speaking the Custom-LLM contract.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/relaywire/brain/internal/config"
	"github.com/relaywire/brain/internal/health"
	"github.com/relaywire/brain/internal/httpserver"
	"github.com/relaywire/brain/internal/observe"
	"github.com/relaywire/brain/internal/resilience"
	"github.com/relaywire/brain/internal/session"
	"github.com/relaywire/brain/pkg/producer"
	"github.com/relaywire/brain/pkg/producer/mock"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML bootstrap configuration file")
	flag.Parse()

	// ── Load configuration ───────────────────────────────────────────────
	boot, err := config.LoadBootstrap(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "brain: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "brain: %v\n", err)
		}
		return 1
	}

	rt, err := config.LoadRuntime()
	if err != nil {
		fmt.Fprintf(os.Stderr, "brain: %v\n", err)
		return 1
	}

	// ── Logger ───────────────────────────────────────────────────────────
	logger := newLogger(boot.LogLevel)
	slog.SetDefault(logger)

	slog.Info("brain starting",
		"config", *configPath,
		"listen_addr", boot.ListenAddr,
		"log_level", boot.LogLevel,
	)

	// ── Telemetry ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "brain"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to initialise metrics", "err", err)
		return 1
	}

	// ── Producer ─────────────────────────────────────────────────────────
	// The brain ships no concrete dialogue engine (see pkg/producer); the
	// mock producer keeps the binary runnable standalone. Operators wire a
	// real producer.Producer implementation in their own main package.
	var prod producer.Producer = &mock.Producer{}
	slog.Warn("no dialogue engine wired — running with the echo mock producer")
	prod = resilience.NewProducerBreaker(prod, resilience.CircuitBreakerConfig{Name: "producer"})

	// ── Allowlist ────────────────────────────────────────────────────────
	allow, err := loadAllowlist(boot.AllowlistFile)
	if err != nil {
		slog.Error("failed to load allowlist", "err", err)
		return 1
	}

	// ── HTTP/WebSocket server ────────────────────────────────────────────
	srv := httpserver.New(boot.ListenAddr, httpserver.Deps{
		Producer: prod,
		Runtime:  rt,
		Metrics:  metrics,
		Log:      logger,
		Allow:    allow,
		Checkers: []health.Checker{
			{Name: "producer", Check: func(context.Context) error { return nil }},
		},
	})

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := srv.Serve(ctx); err != nil {
		slog.Error("serve error", "err", err)
		return 1
	}

	// ── Graceful shutdown ────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Error("telemetry shutdown error", "err", err)
	}

	slog.Info("goodbye")
	return 0
}

// loadAllowlist builds a session.AllowlistFunc from the call-id allowlist
// file named in the bootstrap config. An empty path means no allowlist is
// enforced (session.AllowlistFunc's nil default: allow everything).
func loadAllowlist(path string) (session.AllowlistFunc, error) {
	if path == "" {
		return nil, nil
	}

	allowed, err := config.LoadAllowlist(path)
	if err != nil {
		return nil, fmt.Errorf("load allowlist %q: %w", path, err)
	}

	return func(callID string, details session.CallDetails) bool {
		_, ok := allowed[callID]
		return ok
	}, nil
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogLevelDebug:
		lvl = slog.LevelDebug
	case config.LogLevelWarn:
		lvl = slog.LevelWarn
	case config.LogLevelError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
