package api

import (
	"github.com/chalklabs/chalk/pkg/models"
	"github.com/chalklabs/chalk/pkg/queue"
)

// TokenResponse is returned by signup, login, refresh and federated login.
type TokenResponse struct {
	Access  string       `json:"access"`
	Refresh string       `json:"refresh"`
	User    *models.User `json:"user"`
}

// VerifyTokenResponse is returned by GET /api/auth/verify-token/.
type VerifyTokenResponse struct {
	User *models.Principal `json:"user"`
}

// MessageResponse carries a human-readable confirmation for operations
// with no richer payload.
type MessageResponse struct {
	Message string `json:"message"`
}

// UploadResponse is returned by POST /api/lessons/upload. The document id
// doubles as the lesson id for the rest of the pipeline, so both names
// are carried.
type UploadResponse struct {
	LessonID   string `json:"lesson_id"`
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
	Progress   int    `json:"progress"`
}

// StatusResponse is returned by GET /api/lessons/:id/status.
type StatusResponse struct {
	Status        string `json:"status"`
	Progress      int    `json:"progress"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// StopResponse is returned by POST /api/lessons/:id/stop.
type StopResponse struct {
	LessonID string `json:"lesson_id"`
	Status   string `json:"status"`
}

// LessonListResponse is returned by GET /api/lessons/user/:user_id/history.
type LessonListResponse struct {
	Lessons []*models.Lesson `json:"lessons"`
}

// ConversationListResponse is returned by GET /api/conversations/.
type ConversationListResponse struct {
	Conversations []*models.Conversation `json:"conversations"`
}

// QuizQuestion is one question as served to a quiz taker. The correct
// index and explanation stay server-side until submission.
type QuizQuestion struct {
	Question   string   `json:"question"`
	Options    []string `json:"options"`
	Difficulty string   `json:"difficulty,omitempty"`
}

// QuizResponse is returned by GET /api/quiz/get/:lesson_id.
type QuizResponse struct {
	LessonID  string         `json:"lesson_id"`
	Status    string         `json:"status"`
	Questions []QuizQuestion `json:"questions"`
	CreatedAt string         `json:"created_at"`
}

// SubmitQuizResponse is returned by POST /api/quiz/submit.
type SubmitQuizResponse struct {
	Score   int                     `json:"score"`
	Total   int                     `json:"total"`
	Details []models.QuestionResult `json:"details"`
}

// HealthCheck reports one dependency inside HealthResponse.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status     string                 `json:"status"`
	Service    string                 `json:"service"`
	Version    string                 `json:"version"`
	Checks     map[string]HealthCheck `json:"checks,omitempty"`
	WorkerPool *queue.PoolHealth      `json:"worker_pool,omitempty"`
}
