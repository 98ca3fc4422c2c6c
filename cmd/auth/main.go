// chalk auth service: accounts, token pairs, OTP password resets and
// federated login.
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

	"github.com/chalklabs/chalk/pkg/api"
	"github.com/chalklabs/chalk/pkg/cleanup"
	"github.com/chalklabs/chalk/pkg/database"
	"github.com/chalklabs/chalk/pkg/mailer"
	"github.com/chalklabs/chalk/pkg/services"
	"github.com/chalklabs/chalk/pkg/store"
	"github.com/chalklabs/chalk/pkg/tokens"
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

	httpPort := getEnv("HTTP_PORT", "8081")

	slog.Info("Starting auth service", "http_port", httpPort)

	ctx := context.Background()

	// 1. Database
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 2. Signing keys
	ring, err := tokens.KeyringFromEnv()
	if err != nil {
		slog.Error("Failed to load signing keys", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := ring.Close(); err != nil {
			slog.Error("Error closing keyring watcher", "error", err)
		}
	}()

	accessTTL := 15 * time.Minute
	if raw := os.Getenv("AUTH_ACCESS_TTL"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			slog.Error("Invalid AUTH_ACCESS_TTL", "error", err)
			os.Exit(1)
		}
		accessTTL = d
	}
	manager := tokens.NewManager(ring, getEnv("AUTH_ISSUER", "chalk"), accessTTL)

	// 3. Mailer
	mail, err := mailer.FromEnv()
	if err != nil {
		slog.Error("Failed to configure mailer", "error", err)
		os.Exit(1)
	}

	// 4. Stores and services
	users := store.NewUsers(dbClient.DB())
	sessions := store.NewSessions(dbClient.DB())
	otps := store.NewOTPs(dbClient.DB())

	authService := services.NewAuthService(users, sessions, manager, services.NewTokeninfoVerifier())
	otpService := services.NewOTPService(otps, users, sessions, mail)
	slog.Info("Services initialized")

	// 5. Retention: expired OTPs and refresh tokens
	cleanupCfg, err := cleanup.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load cleanup config", "error", err)
		os.Exit(1)
	}
	retention := cleanup.NewService(cleanupCfg, otps, sessions, nil, nil)
	retention.Start(ctx)
	defer retention.Stop()

	// 6. HTTP server; the auth service verifies bearers against the live
	// account, not just the signature
	httpServer := api.NewServer(api.ServerConfig{
		Service:  "auth",
		DB:       dbClient.DB(),
		Verifier: authService,
		Auth:     authService,
		OTP:      otpService,
	})

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + httpPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Auth service started")

	// 7. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 8. Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
