// chalk ingestion service: PDF uploads, blob storage and the per-page
// extraction queue.
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
	"github.com/chalklabs/chalk/pkg/blob"
	"github.com/chalklabs/chalk/pkg/database"
	"github.com/chalklabs/chalk/pkg/events"
	"github.com/chalklabs/chalk/pkg/extract"
	"github.com/chalklabs/chalk/pkg/queue"
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

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file, using existing environment")
	}

	httpPort := getEnv("HTTP_PORT", "8082")
	podID := resolvePodID()

	slog.Info("Starting ingestion service",
		"http_port", httpPort,
		"pod_id", podID)

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

	// 2. Blob storage
	blobs, err := blob.FromEnv(ctx)
	if err != nil {
		slog.Error("Failed to initialize blob storage", "error", err)
		os.Exit(1)
	}
	slog.Info("Blob storage ready")

	// 3. Extraction pipeline: store -> extractor -> worker pool
	documents := store.NewDocuments(dbClient.DB())
	publisher := events.NewPublisher(dbClient.DB())
	extractor := extract.New(blobs, documents, publisher, nil)

	queueCfg, err := queue.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load queue config", "error", err)
		os.Exit(1)
	}
	pool := queue.NewWorkerPool(podID, documents, queueCfg, extractor, publisher)
	if err := pool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// 4. Upload service and token verification
	limits, err := services.LoadUploadLimitsFromEnv()
	if err != nil {
		slog.Error("Failed to load upload limits", "error", err)
		os.Exit(1)
	}
	documentService := services.NewDocumentService(documents, blobs, pool, limits)

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
	// ttl only matters for minting; this service only verifies
	verifier := &api.LocalVerifier{Manager: tokens.NewManager(ring, getEnv("AUTH_ISSUER", "chalk"), 0)}

	// 5. HTTP server
	httpServer := api.NewServer(api.ServerConfig{
		Service:   "ingestion",
		DB:        dbClient.DB(),
		Verifier:  verifier,
		Documents: documentService,
		Pool:      pool,
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

	slog.Info("Ingestion service started")

	// 6. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 7. Graceful shutdown: drain HTTP first so no new uploads arrive, then
	// let in-flight extractions reach a page boundary
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	pool.Stop()

	slog.Info("Shutdown complete")
}
