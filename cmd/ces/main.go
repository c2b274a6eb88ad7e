// Package main is the entry point for the Code Execution Service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/ces/internal/common/config"
	"github.com/kandev/ces/internal/common/logger"
	"github.com/kandev/ces/internal/events/bus"
	"github.com/kandev/ces/internal/history"
	"github.com/kandev/ces/internal/server"
	"github.com/kandev/ces/internal/session"
	"github.com/kandev/ces/internal/tracing"
)

// version is set at build time via -ldflags.
var version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	logCfg := logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	}
	log, err := logger.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Code Execution Service...", zap.String("version", version))

	// 3. Flush tracing on exit (initialized lazily by the middleware)
	defer func() {
		if err := tracing.Shutdown(context.Background()); err != nil {
			log.Warn("Failed to shut down tracing", zap.Error(err))
		}
	}()

	// 4. Prepare the workspace root
	if err := os.MkdirAll(cfg.Workspace.Root, 0o755); err != nil {
		log.Fatal("Failed to create workspace root", zap.Error(err))
	}

	// 5. Connect the event bus (in-memory unless NATS is configured)
	eventBus, err := bus.New(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to connect event bus", zap.Error(err))
	}
	defer eventBus.Close()

	// 6. Open the execution history store
	var hist *history.Store
	if cfg.History.Path != "" {
		hist, err = history.New(cfg.History.Path, log)
		if err != nil {
			log.Fatal("Failed to open history store", zap.Error(err))
		}
		defer hist.Close()
	}

	// 7. Create the session manager
	manager := session.NewManager(cfg, eventBus, hist, log)

	// 8. Assemble the HTTP server
	router := server.NewRouter(manager, cfg, version, log)
	srv := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeoutDuration(),
		// WriteTimeout stays at the configured value (0 by default) so SSE
		// and WebSocket connections are not cut off.
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 9. Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Shutting down", zap.String("signal", sig.String()))

	// 10. Graceful shutdown: stop accepting requests, then stop sessions
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Warn("Session shutdown incomplete", zap.Error(err))
	}

	log.Info("Code Execution Service stopped")
}
