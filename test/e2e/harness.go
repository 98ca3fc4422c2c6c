// Package e2e provides end-to-end test infrastructure for the chalk pipeline.
package e2e

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/chalklabs/chalk/pkg/api"
	"github.com/chalklabs/chalk/pkg/blob"
	"github.com/chalklabs/chalk/pkg/database"
	"github.com/chalklabs/chalk/pkg/events"
	"github.com/chalklabs/chalk/pkg/extract"
	"github.com/chalklabs/chalk/pkg/generator"
	"github.com/chalklabs/chalk/pkg/mailer"
	"github.com/chalklabs/chalk/pkg/queue"
	"github.com/chalklabs/chalk/pkg/services"
	"github.com/chalklabs/chalk/pkg/store"
	"github.com/chalklabs/chalk/pkg/tokens"
	testdb "github.com/chalklabs/chalk/test/database"
)

// e2eSigningKey is shared by every TestApp so access tokens minted by one
// replica verify on another.
const e2eSigningKey = "0123456789abcdef0123456789abcdef"

// TestApp boots the complete chalk stack in one process: every store on a
// per-test schema, the real extraction worker pool, the real notify listener
// with the four production consumers, and a single HTTP server hosting every
// route group the per-service binaries split between them.
type TestApp struct {
	// Core
	DBClient *database.Client
	Blobs    *blob.FS

	// Real infrastructure
	Publisher      *events.Publisher
	ConnManager    *events.ConnectionManager
	NotifyListener *events.NotifyListener
	WorkerPool     *queue.WorkerPool
	Server         *api.Server

	// Direct store access for fixtures the HTTP surface hides, such as
	// reading the OTP code a reset email would carry.
	OTPs      *store.OTPs
	Documents *store.Documents
	Lessons   *store.Lessons
	Events    *store.Events

	// Runtime
	BaseURL string // e.g. "http://127.0.0.1:54321"

	t *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	workerCount int
	podID       string              // custom pod ID (for multi-replica tests)
	dbClient    *database.Client    // injected DB client (for multi-replica tests)
	ocr         extract.OCRFunc     // injected OCR hook (for cancellation tests)
	jobTimeout  time.Duration
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithWorkerCount sets the number of extraction workers. Zero is allowed and
// leaves uploads queued, which is how cancellation tests pin a document in
// the queued state.
func WithWorkerCount(n int) TestAppOption {
	return func(c *testAppConfig) { c.workerCount = n }
}

// WithPodID overrides the auto-generated pod ID. Required for multi-replica
// tests so each replica gets a distinct identity for claiming and orphan
// detection.
func WithPodID(id string) TestAppOption {
	return func(c *testAppConfig) { c.podID = id }
}

// WithDBClient injects a pre-created database client, skipping the default
// per-test schema creation. Used for multi-replica tests where multiple
// TestApp instances share the same schema.
func WithDBClient(client *database.Client) TestAppOption {
	return func(c *testAppConfig) { c.dbClient = client }
}

// WithOCR injects the per-page OCR hook. Tests gate extraction on a channel
// here to hold a document in the extracting state deterministically.
func WithOCR(fn extract.OCRFunc) TestAppOption {
	return func(c *testAppConfig) { c.ocr = fn }
}

// WithJobTimeout sets the per-document extraction deadline.
func WithJobTimeout(d time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.jobTimeout = d }
}

// NewTestApp creates and starts a full chalk test instance.
// Shutdown is registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()
	gin.SetMode(gin.TestMode)

	// Apply options.
	tc := &testAppConfig{
		workerCount: 1,
		jobTimeout:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(tc)
	}

	// 1. Database: per-test schema unless a shared client is injected.
	dbClient := tc.dbClient
	if dbClient == nil {
		dbClient = testdb.NewTestClient(t)
	}
	db := dbClient.DB()

	// 2. Stores on the shared pool.
	users := store.NewUsers(db)
	sessions := store.NewSessions(db)
	otps := store.NewOTPs(db)
	documents := store.NewDocuments(db)
	lessons := store.NewLessons(db)
	visualizations := store.NewVisualizations(db)
	quizzes := store.NewQuizzes(db)
	conversations := store.NewConversations(db)
	eventsStore := store.NewEvents(db)

	// 3. Event publishing: real, backed by the test schema.
	publisher := events.NewPublisher(db)

	// 4. Blob store and extraction pipeline.
	blobs, err := blob.NewFS(t.TempDir())
	require.NoError(t, err)
	extractor := extract.New(blobs, documents, publisher, tc.ocr)

	// Queue timings tightened for tests: claims within tens of milliseconds,
	// heartbeats fast enough that a cancelled job is noticed promptly.
	maxJobs := tc.workerCount
	if maxJobs < 1 {
		maxJobs = 1
	}
	queueCfg := queue.Config{
		WorkerCount:       tc.workerCount,
		MaxConcurrentJobs: maxJobs,
		PollInterval:      25 * time.Millisecond,
		PollJitter:        10 * time.Millisecond,
		HeartbeatInterval: 100 * time.Millisecond,
		JobTimeout:        tc.jobTimeout,
		OrphanInterval:    time.Minute,
		OrphanThreshold:   time.Minute,
	}

	podID := tc.podID
	if podID == "" {
		podID = fmt.Sprintf("e2e-%s", t.Name())
	}
	pool := queue.NewWorkerPool(podID, documents, queueCfg, extractor, publisher)
	ctx := context.Background()
	require.NoError(t, pool.Start(ctx))

	// 5. Tokens and generation.
	ring := tokens.NewStaticKeyring("e2e", []byte(e2eSigningKey))
	manager := tokens.NewManager(ring, "chalk-auth", 15*time.Minute)
	gen := generator.NewStub()

	// 6. Domain services.
	authService := services.NewAuthService(users, sessions, manager, nil)
	otpService := services.NewOTPService(otps, users, sessions, mailer.NewLog())
	documentService := services.NewDocumentService(documents, blobs, pool, services.DefaultUploadLimits())
	lessonService := services.NewLessonService(lessons, documents, gen, publisher)
	vizService := services.NewVisualizationService(visualizations, lessons, gen, publisher)
	quizService := services.NewQuizService(quizzes, lessons, gen, publisher)
	convService := services.NewConversationService(conversations, lessons)
	teachingService := services.NewTeachingService(conversations, lessons, visualizations)

	// 7. Notify listener, consumers, and the WebSocket broadcast path,
	// wired the way the binaries wire them. Consumer names match production
	// so offsets carry the same exactly-once semantics.
	mux := events.NewMux()
	listener := events.NewNotifyListener(dbClient.DSN(), mux.Dispatch)

	consumers := []*events.Consumer{
		events.NewConsumer("lesson-generator", events.TopicDocumentIngested, eventsStore, listener, lessonService.HandleDocumentIngested),
		events.NewConsumer("visualization-generator", events.TopicLessonReady, eventsStore, listener, vizService.HandleLessonReady),
		events.NewConsumer("quiz-generator", events.TopicLessonReady, eventsStore, listener, quizService.HandleLessonReady),
		events.NewConsumer("conversation-linker", events.TopicLessonReady, eventsStore, listener, convService.HandleLessonReady),
	}

	for _, c := range consumers {
		mux.Add(c.Notify)
	}

	connManager := events.NewConnectionManager(events.NewStoreCatchup(eventsStore), 10*time.Second)
	mux.Add(connManager.Broadcast)

	require.NoError(t, listener.Start(ctx))
	connManager.SetListener(listener)
	for _, c := range consumers {
		require.NoError(t, c.Start(ctx))
	}

	// 8. One HTTP server hosting every route group.
	server := api.NewServer(api.ServerConfig{
		Service:        "e2e",
		DB:             db,
		Verifier:       &api.LocalVerifier{Manager: manager},
		Auth:           authService,
		OTP:            otpService,
		Documents:      documentService,
		Lessons:        lessonService,
		Visualizations: vizService,
		Quizzes:        quizService,
		Conversations:  convService,
		Teaching:       teachingService,
		Pool:           pool,
		ConnMgr:        connManager,
	})
	ts := httptest.NewServer(server.Router())

	app := &TestApp{
		DBClient:       dbClient,
		Blobs:          blobs,
		Publisher:      publisher,
		ConnManager:    connManager,
		NotifyListener: listener,
		WorkerPool:     pool,
		Server:         server,
		OTPs:           otps,
		Documents:      documents,
		Lessons:        lessons,
		Events:         eventsStore,
		BaseURL:        ts.URL,
		t:              t,
	}

	// Register cleanup in reverse-creation order. WebSocket clients opened by
	// tests register their own cleanups later, so they close before ts.Close
	// waits on hijacked connections.
	t.Cleanup(func() {
		ts.Close()
		for _, c := range consumers {
			c.Stop()
		}
		pool.Stop()
		listener.Stop(context.Background())
		// DB cleanup handled by testdb.NewTestClient / NewSharedTestDB.
	})

	return app
}
