// chalk quiz service: generates quizzes and notes from ready lessons and
// serves them.
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
	"github.com/chalklabs/chalk/pkg/database"
	"github.com/chalklabs/chalk/pkg/events"
	"github.com/chalklabs/chalk/pkg/generator"
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

	httpPort := getEnv("HTTP_PORT", "8085")

	slog.Info("Starting quiz service", "http_port", httpPort)

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

	// 2. Stores, generator and the quiz service
	quizzes := store.NewQuizzes(dbClient.DB())
	lessons := store.NewLessons(dbClient.DB())
	eventsStore := store.NewEvents(dbClient.DB())
	publisher := events.NewPublisher(dbClient.DB())

	gen := generator.FromEnv()
	quizService := services.NewQuizService(quizzes, lessons, gen, publisher)

	// 3. Event bus: LISTEN connection, lesson.ready consumer
	mux := events.NewMux()
	listener := events.NewNotifyListener(dbClient.DSN(), mux.Dispatch)
	consumer := events.NewConsumer("quiz-generator", events.TopicLessonReady,
		eventsStore, listener, quizService.HandleLessonReady)
	mux.Add(consumer.Notify)

	if err := listener.Start(ctx); err != nil {
		slog.Error("Failed to start notify listener", "error", err)
		os.Exit(1)
	}
	if err := consumer.Start(ctx); err != nil {
		slog.Error("Failed to start event consumer", "error", err)
		os.Exit(1)
	}

	// 4. Token verification and HTTP server
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
		Service:  "quiz",
		DB:       dbClient.DB(),
		Verifier: verifier,
		Quizzes:  quizService,
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

	slog.Info("Quiz service started")

	// 5. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 6. Graceful shutdown: HTTP, then consumer, then the LISTEN connection
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	consumer.Stop()
	listener.Stop(shutdownCtx)

	slog.Info("Shutdown complete")
}
