package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lumenchat/call-relay/internal/auth"
	"github.com/lumenchat/call-relay/internal/call"
	"github.com/lumenchat/call-relay/internal/calllog"
	"github.com/lumenchat/call-relay/internal/config"
	"github.com/lumenchat/call-relay/internal/httpserver"
	"github.com/lumenchat/call-relay/internal/metrics"
	"github.com/lumenchat/call-relay/internal/presence"
	"github.com/lumenchat/call-relay/internal/signaling"
	"github.com/lumenchat/call-relay/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	// Optional; absent .env files are not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting call-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"ring_timeout", cfg.RingTimeout,
		"disconnect_grace_period", cfg.DisconnectGracePeriod,
		"session_retention", cfg.SessionRetention,
		"max_active_calls", cfg.MaxActiveCalls,
		"call_log_enabled", cfg.CallLogPath != "",
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
	)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	store := call.NewStore(call.StoreConfig{
		Retention:            cfg.SessionRetention,
		MaxPendingCandidates: cfg.MaxPendingCandidates,
		MaxActiveCalls:       cfg.MaxActiveCalls,
	})
	machine := call.NewMachine(call.MachineConfig{
		Store:           store,
		RingTimeout:     cfg.RingTimeout,
		DisconnectGrace: cfg.DisconnectGracePeriod,
		Logger:          logger,
	})
	registry := presence.NewRegistry()

	var history *calllog.Store
	var recorder calllog.Recorder = calllog.Noop{}
	if cfg.CallLogPath != "" {
		history, err = calllog.Open(cfg.CallLogPath, logger)
		if err != nil {
			logger.Error("failed to open call log", "path", cfg.CallLogPath, "err", err)
			os.Exit(2)
		}
		defer history.Close()
		recorder = history
	}

	router := signaling.NewRouter(logger, registry, machine, recorder)

	wsServer, err := signaling.NewWebSocketServer(cfg, logger, registry, machine, router)
	if err != nil {
		logger.Error("failed to configure signaling", "err", err)
		os.Exit(2)
	}

	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		logger.Error("failed to configure auth", "err", err)
		os.Exit(2)
	}

	var turnGen *turnrest.Generator
	if cfg.TURNREST.Enabled() {
		turnGen, err = turnrest.NewGenerator(turnrest.GeneratorConfig{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTLSeconds:     cfg.TURNREST.TTLSeconds,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
			Realm:          cfg.TURNREST.Realm,
		})
		if err != nil {
			logger.Error("failed to configure turn rest credentials", "err", err)
			os.Exit(2)
		}
	}

	srv := httpserver.New(cfg, logger, resolveBuildInfo(), httpserver.Deps{
		Registry:      registry,
		Verifier:      verifier,
		History:       history,
		TURNGenerator: turnGen,
		Signaling:     wsServer,
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "addr", cfg.ListenAddr, "err", err)
		os.Exit(1)
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go store.Run(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		machine.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	machine.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo() httpserver.BuildInfo {
	commit, when := buildCommit, buildTime
	// Prefer ldflags-injected values (production builds) but fall back to the
	// Go build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if when == "" {
					when = s.Value
				}
			}
		}
	}
	return httpserver.BuildInfo{Commit: commit, BuildTime: when}
}
