// Package api assembles the HTTP surface of the chalk services: route
// registration, request and response DTOs, auth middleware and the error
// envelope. One Server type serves every binary; nil services leave their
// route groups unregistered, so each binary exposes exactly its own
// surface behind the gateway.
package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chalklabs/chalk/pkg/events"
	"github.com/chalklabs/chalk/pkg/metrics"
	"github.com/chalklabs/chalk/pkg/queue"
	"github.com/chalklabs/chalk/pkg/services"
)

// ServerConfig carries the dependencies a service binary mounts on its
// router.
type ServerConfig struct {
	// Service names the binary in metrics labels and health payloads.
	Service string
	// AllowOrigin is the CORS origin; "*" when empty.
	AllowOrigin string

	DB       *sql.DB
	Verifier TokenVerifier

	Auth           *services.AuthService
	OTP            *services.OTPService
	Documents      *services.DocumentService
	Lessons        *services.LessonService
	Visualizations *services.VisualizationService
	Quizzes        *services.QuizService
	Conversations  *services.ConversationService
	Teaching       *services.TeachingService

	Pool    *queue.WorkerPool
	ConnMgr *events.ConnectionManager
}

// Server hosts one service's HTTP API.
type Server struct {
	cfg  ServerConfig
	http *http.Server
}

// NewServer creates a server for the given dependency set.
func NewServer(cfg ServerConfig) *Server {
	if cfg.AllowOrigin == "" {
		cfg.AllowOrigin = "*"
	}
	return &Server{cfg: cfg}
}

// Router builds the gin engine with the route groups this server's
// configuration enables.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(securityHeaders())
	router.Use(corsMiddleware(s.cfg.AllowOrigin))
	router.Use(observeMetrics(s.cfg.Service))

	router.GET("/healthz", s.healthzHandler)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	if s.cfg.Auth != nil {
		auth := router.Group("/api/auth")
		auth.POST("/signup/", s.signupHandler)
		auth.POST("/login/", s.loginHandler)
		auth.POST("/refresh/", s.refreshHandler)
		auth.POST("/federated/", s.federatedLoginHandler)
		auth.POST("/logout/", requireAuth(s.cfg.Verifier), s.logoutHandler)
		auth.GET("/verify-token/", requireAuth(s.cfg.Verifier), s.verifyTokenHandler)
	}
	if s.cfg.OTP != nil {
		auth := router.Group("/api/auth")
		auth.POST("/forgot-password/", s.forgotPasswordHandler)
		auth.POST("/verify-otp/", s.verifyOTPHandler)
		auth.POST("/password-reset-confirm/", s.resetPasswordHandler)
	}

	if s.cfg.Documents != nil {
		docs := router.Group("/api/lessons", requireAuth(s.cfg.Verifier))
		docs.POST("/upload", s.uploadHandler)
		docs.GET("/:id/status", s.documentStatusHandler)
		docs.POST("/:id/stop", s.stopDocumentHandler)
	}

	if s.cfg.Lessons != nil {
		lessons := router.Group("/api/lessons", requireAuth(s.cfg.Verifier))
		lessons.GET("/:id", s.getLessonHandler)
		lessons.DELETE("/:id", s.deleteLessonHandler)
		lessons.GET("/user/:user_id/history", s.lessonHistoryHandler)
	}

	if s.cfg.Visualizations != nil {
		viz := router.Group("/api/visualizations", requireAuth(s.cfg.Verifier))
		viz.POST("/process", s.processVisualizationHandler)
		viz.GET("/:id", s.getVisualizationHandler)
		viz.GET("/lesson/:lesson_id", s.latestVisualizationHandler)
	}

	if s.cfg.Quizzes != nil {
		quiz := router.Group("/api/quiz", requireAuth(s.cfg.Verifier))
		quiz.GET("/get/:lesson_id", s.getQuizHandler)
		quiz.POST("/submit", s.submitQuizHandler)
		quiz.POST("/notes/:lesson_id", s.generateNotesHandler)
		quiz.GET("/notes/:lesson_id", s.getNotesHandler)
	}

	if s.cfg.Conversations != nil {
		convos := router.Group("/api/conversations", requireAuth(s.cfg.Verifier))
		convos.GET("/", s.listConversationsHandler)
		convos.POST("/", s.createConversationHandler)
		convos.POST("/:id/rename/", s.renameConversationHandler)
		convos.DELETE("/:id/delete/", s.deleteConversationHandler)
		convos.POST("/:id/attach-lesson", s.attachLessonHandler)
		convos.POST("/:id/sessions", s.createSessionHandler)
	}

	if s.cfg.Teaching != nil {
		router.GET("/ws/teaching/:session_id", s.teachingWSHandler)
	}
	if s.cfg.ConnMgr != nil {
		router.GET("/ws/events", s.eventsWSHandler)
	}

	return router
}

// Start begins serving on addr and blocks until the listener closes.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
