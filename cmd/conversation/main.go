// chalk conversation service: conversation CRUD, the teaching websocket and
// the user event stream.
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
	"github.com/chalklabs/chalk/pkg/events"
	"github.com/chalklabs/chalk/pkg/services"
	"github.com/chalklabs/chalk/pkg/store"
	"github.com/chalklabs/chalk/pkg/tokens"
)

const wsWriteTimeout = 10 * time.Second

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

	httpPort := getEnv("HTTP_PORT", "8086")

	slog.Info("Starting conversation service", "http_port", httpPort)

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

	// 2. Stores and services
	conversations := store.NewConversations(dbClient.DB())
	lessons := store.NewLessons(dbClient.DB())
	visualizations := store.NewVisualizations(dbClient.DB())
	eventsStore := store.NewEvents(dbClient.DB())

	conversationService := services.NewConversationService(conversations, lessons)
	teachingService := services.NewTeachingService(conversations, lessons, visualizations)
	slog.Info("Services initialized")

	// 3. Event bus: LISTEN connection feeds both the lesson.ready linker and
	// the per-user websocket broadcast
	mux := events.NewMux()
	listener := events.NewNotifyListener(dbClient.DSN(), mux.Dispatch)

	consumer := events.NewConsumer("conversation-linker", events.TopicLessonReady,
		eventsStore, listener, conversationService.HandleLessonReady)
	mux.Add(consumer.Notify)

	connMgr := events.NewConnectionManager(events.NewStoreCatchup(eventsStore), wsWriteTimeout)
	connMgr.SetListener(listener)
	mux.Add(connMgr.Broadcast)

	if err := listener.Start(ctx); err != nil {
		slog.Error("Failed to start notify listener", "error", err)
		os.Exit(1)
	}
	if err := consumer.Start(ctx); err != nil {
		slog.Error("Failed to start event consumer", "error", err)
		os.Exit(1)
	}

	// 4. Retention: delivered events past their replay window
	cleanupCfg, err := cleanup.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load cleanup config", "error", err)
		os.Exit(1)
	}
	retention := cleanup.NewService(cleanupCfg, nil, nil, eventsStore, nil)
	retention.Start(ctx)
	defer retention.Stop()

	// 5. Token verification and HTTP server
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

	httpServer := api.NewServer(api.ServerConfig{
		Service:       "conversation",
		DB:            dbClient.DB(),
		Verifier:      verifier,
		Conversations: conversationService,
		Teaching:      teachingService,
		ConnMgr:       connMgr,
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

	slog.Info("Conversation service started")

	// 6. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 7. Graceful shutdown: HTTP and its websockets, then the consumer, then
	// the LISTEN connection
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	consumer.Stop()
	listener.Stop(shutdownCtx)

	slog.Info("Shutdown complete")
}
