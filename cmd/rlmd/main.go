// rlmd is the agentic retrieval server — it exposes the search HTTP
// API, schedules iteration drivers on a bounded worker pool, and
// streams search events over SSE.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cascade-search/rlm/pkg/api"
	"github.com/cascade-search/rlm/pkg/config"
	"github.com/cascade-search/rlm/pkg/services"
	"github.com/cascade-search/rlm/pkg/session"
	"github.com/cascade-search/rlm/pkg/version"
)

func main() {
	envPath := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	setupLogging()

	cfg, err := config.Load(*envPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting rlmd",
		"version", version.Full(),
		"http_port", cfg.HTTPPort,
		"backend", cfg.Backend,
		"model", cfg.Model,
		"collection", cfg.Collection,
		"workers", cfg.Workers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Session manager and idle reaper
	sessions := session.NewManager()
	go sessions.RunReaper(ctx, time.Minute, cfg.SessionTimeout)

	// 2. Search service (LM clients, retrieval client, worker pool)
	svc, err := services.NewSearchService(ctx, cfg, sessions)
	if err != nil {
		slog.Error("Failed to initialize search service", "error", err)
		os.Exit(1)
	}

	// 3. HTTP server (non-blocking start)
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	server := api.NewServer(cfg, svc, sessions)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 4. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 5. Graceful shutdown: stop accepting requests, then wait for
	// in-flight searches.
	httpShutdownCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	searchShutdownCtx, searchCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer searchCancel()
	if err := svc.Shutdown(searchShutdownCtx); err != nil {
		slog.Warn("Shutdown timeout exceeded, cancelling remaining searches")
		cancel()
	}

	slog.Info("Shutdown complete")
}

func setupLogging() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}
