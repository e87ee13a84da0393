// Command gateway is the Pulse health-alert push server.
//
// Usage:
//
//	pulse-gateway
//	API_PORT=8080 pulse-gateway
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"

	"github.com/healthfolio/pulse/internal/anomaly"
	"github.com/healthfolio/pulse/internal/api"
	"github.com/healthfolio/pulse/internal/audit"
	"github.com/healthfolio/pulse/internal/broadcast"
	"github.com/healthfolio/pulse/internal/config"
	"github.com/healthfolio/pulse/internal/db"
	"github.com/healthfolio/pulse/internal/gateway"
	"github.com/healthfolio/pulse/internal/monitor"
	"github.com/healthfolio/pulse/internal/registry"
	"github.com/healthfolio/pulse/internal/rules"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	// Load .env if present
	_ = godotenv.Load(".env")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	// Connect to database for the critical-alert audit trail (optional)
	var pool *db.Pool
	if cfg.DatabaseURL != "" {
		logger.Info("Connecting to database...")
		pool, err = db.New(ctx, cfg)
		if err != nil {
			logger.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		logger.Info("Database connected",
			"min_conns", cfg.DBPoolMinConns,
			"max_conns", cfg.DBPoolMaxConns)
	} else {
		logger.Info("Alert audit disabled (no DATABASE_URL)")
	}

	recorder := audit.NewRecorder(pool, logger)
	go recorder.Start(ctx)

	// Assemble the push pipeline
	reg := registry.New(cfg.SubjectCapacity)
	var auditSink broadcast.AuditSink
	if recorder != nil {
		auditSink = recorder
	}
	bc := broadcast.New(reg, auditSink, logger)
	loop := gateway.New(reg, bc, anomaly.Baseline(), rules.FromConfig(cfg), cfg, logger)
	go loop.Run(ctx)

	// Start staleness sweep and heartbeat tickers
	go monitor.Start(ctx, loop, monitor.Config{
		SweepInterval:     cfg.SweepInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, logger)

	// Create router
	router := api.NewRouter(loop, pool, cfg)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	go func() {
		logger.Info("Starting Pulse health gateway",
			"addr", addr,
			"environment", cfg.Environment,
			"ws", fmt.Sprintf("ws://localhost:%d/ws", cfg.APIPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt
	<-ctx.Done()
	logger.Info("Shutting down...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", "error", err)
	}

	// Loop tears down sessions on ctx cancel; wait for it
	select {
	case <-loop.Done():
	case <-shutdownCtx.Done():
	}
	logger.Info("Server stopped")
}
