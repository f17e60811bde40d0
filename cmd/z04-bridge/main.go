package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/z04-labs/z04/internal/config"
	"github.com/z04-labs/z04/internal/dotenv"
	"github.com/z04-labs/z04/pkg/bridge"
	"github.com/z04-labs/z04/pkg/gemini"
)

func main() {
	os.Exit(runMain())
}

func runMain() int {
	if err := dotenv.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "z04-bridge: %v\n", err)
		return 1
	}

	cfg, err := config.ParseBridge(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "z04-bridge: %v\n", err)
		return 1
	}

	level, err := config.Level(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "z04-bridge: %v\n", err)
		return 1
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := gemini.NewClient(ctx, cfg.APIKey, gemini.WithLogger(logger))
	if err != nil {
		logger.Error("create upstream client", "error", err)
		return 1
	}

	srv := bridge.New(bridgeConfig(cfg), logger, bridge.NewGeminiUpstream(client), bridge.NewMetrics("z04"))
	httpServer := buildHTTPServer(cfg, srv.Handler())

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("bridge listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		logger.Error("serve", "error", err)
		return 1
	case <-ctx.Done():
	}

	logger.Info("shutting down", "drain_timeout", cfg.DrainTimeout.String())
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancel()

	// Warn live sessions and let them drain before tearing down the
	// listener; websocket connections are hijacked, so the HTTP
	// shutdown below does not wait for them.
	if err := srv.Shutdown(drainCtx); err != nil {
		logger.Warn("session drain", "error", err)
	}
	if err := httpServer.Shutdown(drainCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
		_ = httpServer.Close()
	}
	logger.Info("bridge stopped")
	return 0
}

func bridgeConfig(cfg config.Bridge) bridge.Config {
	return bridge.Config{
		ChatModel:          cfg.ChatModel,
		LiveModel:          cfg.LiveModel,
		Voice:              cfg.Voice,
		SystemPrompt:       cfg.SystemPrompt,
		MaxSessions:        cfg.MaxSessions,
		SessionIdleTimeout: cfg.SessionIdleTimeout,
		AllowOrigin:        cfg.AllowOrigin,
		MetricsEnabled:     cfg.MetricsEnabled,
	}
}

func buildHTTPServer(cfg config.Bridge, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
