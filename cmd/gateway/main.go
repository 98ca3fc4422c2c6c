// chalk gateway: the single ingress. Routes client traffic to the service
// binaries from a declarative table, gates unhealthy upstreams and proxies
// the websocket endpoints.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/chalklabs/chalk/pkg/config"
	"github.com/chalklabs/chalk/pkg/gateway"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file, using existing environment")
	}

	configPath := getEnv("GATEWAY_CONFIG", "gateway.yaml")

	// 1. Load the routing table
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("Failed to load gateway configuration", "path", configPath, "error", err)
		os.Exit(1)
	}

	cfg.ListenAddr = getEnv("GATEWAY_ADDR", cfg.ListenAddr)

	slog.Info("Starting gateway",
		"addr", cfg.ListenAddr,
		"routes", len(cfg.Routes),
		"health_interval", cfg.HealthInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw := gateway.New(cfg)

	// 2. Serve (non-blocking); the health gate runs under ctx
	errCh := make(chan error, 1)
	go func() {
		if err := gw.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Gateway server error", "error", err)
			errCh <- err
		}
	}()

	// 3. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 4. Drain in-flight requests, then stop the health gate
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		slog.Error("Gateway shutdown error", "error", err)
	}
	cancel()

	slog.Info("Shutdown complete")
}
