package config

import (
	"os"
	"time"
)

// Default gate and proxy settings. The health interval trades staleness
// against poll load; the upstream timeout must outlast the slowest
// synchronous endpoint (visualization processing).
const (
	DefaultListenAddr      = ":8080"
	DefaultHealthInterval  = 10 * time.Second
	DefaultUpstreamTimeout = 30 * time.Second
)

// DefaultRoutes returns the built-in seven-service routing table. Upstream
// base URLs come from <NAME>_URL environment variables with localhost
// fallbacks matching the default service ports, so a bare local run needs
// no gateway.yaml at all.
//
// The /api/lessons prefix is split between two services: upload, status
// and stop belong to ingestion while lesson reads and deletes belong to
// the lesson service. A "*" prefix segment matches exactly one path
// segment, which is what lets "/api/lessons/*/status" outrank the plain
// "/api/lessons/" entry.
func DefaultRoutes() []Route {
	auth := envOr("AUTH_URL", "http://localhost:8081")
	ingestion := envOr("INGESTION_URL", "http://localhost:8082")
	lesson := envOr("LESSON_URL", "http://localhost:8083")
	visualization := envOr("VISUALIZATION_URL", "http://localhost:8084")
	quiz := envOr("QUIZ_URL", "http://localhost:8085")
	conversation := envOr("CONVERSATION_URL", "http://localhost:8086")

	return []Route{
		{Name: "auth", Prefix: "/api/auth/", Upstream: auth},
		{Name: "ingestion", Prefix: "/api/lessons/upload", Upstream: ingestion},
		{Name: "ingestion-status", Prefix: "/api/lessons/*/status", Upstream: ingestion},
		{Name: "ingestion-stop", Prefix: "/api/lessons/*/stop", Upstream: ingestion},
		{Name: "lesson", Prefix: "/api/lessons/", Upstream: lesson},
		{Name: "visualization", Prefix: "/api/visualizations/", Upstream: visualization},
		{Name: "quiz", Prefix: "/api/quiz/", Upstream: quiz},
		{Name: "conversation", Prefix: "/api/conversations/", Upstream: conversation},
		{Name: "teaching-ws", Prefix: "/ws/teaching/", Upstream: conversation, WebSocket: true},
		{Name: "events-ws", Prefix: "/ws/events", Upstream: conversation, WebSocket: true},
	}
}

// DefaultConfig returns the configuration used when no gateway.yaml exists.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:      DefaultListenAddr,
		HealthInterval:  DefaultHealthInterval,
		UpstreamTimeout: DefaultUpstreamTimeout,
		AllowOrigins:    []string{"*"},
		Routes:          DefaultRoutes(),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
