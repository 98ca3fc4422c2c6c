package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// getQuizHandler handles GET /api/quiz/get/:lesson_id.
// Returns the quiz with correct answers and explanations stripped; those
// come back with the per-question results on submit. Returns 202 with a
// retry hint while generation is still running.
func (s *Server) getQuizHandler(c *gin.Context) {
	// 1. Enforce the optional user_id query against the caller
	if userID := c.Query("user_id"); userID != "" {
		p := principal(c)
		if p == nil || (!p.IsAdmin() && p.UserID != userID) {
			writeError(c, http.StatusForbidden, "permission", "you do not have access to this resource")
			return
		}
	}

	// 2. Call service
	quiz, err := s.cfg.Quizzes.Get(c.Request.Context(), principal(c), c.Param("lesson_id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}

	// 3. Strip answers and return
	questions := make([]QuizQuestion, 0, len(quiz.Questions))
	for _, q := range quiz.Questions {
		questions = append(questions, QuizQuestion{
			Question:   q.Question,
			Options:    q.Options,
			Difficulty: q.Difficulty,
		})
	}
	c.JSON(http.StatusOK, &QuizResponse{
		LessonID:  quiz.LessonID,
		Status:    string(quiz.Status),
		Questions: questions,
		CreatedAt: quiz.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// submitQuizHandler handles POST /api/quiz/submit.
func (s *Server) submitQuizHandler(c *gin.Context) {
	// 1. Bind HTTP request
	var req SubmitQuizRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "validation", "request body is not valid JSON")
		return
	}
	if req.LessonID == "" {
		writeError(c, http.StatusBadRequest, "validation", "lesson_id field is required")
		return
	}

	// 2. Call service
	sub, results, err := s.cfg.Quizzes.Submit(c.Request.Context(), principal(c), req.LessonID, req.UserID, req.Answers)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	// 3. Return response
	c.JSON(http.StatusOK, &SubmitQuizResponse{
		Score:   sub.Score,
		Total:   sub.Total,
		Details: results,
	})
}

// generateNotesHandler handles POST /api/quiz/notes/:lesson_id.
// Kicks off notes generation and returns immediately; the client polls
// the GET endpoint for the result.
func (s *Server) generateNotesHandler(c *gin.Context) {
	if err := s.cfg.Quizzes.GenerateNotes(c.Request.Context(), principal(c), c.Param("lesson_id")); err != nil {
		writeServiceError(c, err)
		return
	}
	c.Header("Retry-After", strconv.Itoa(generatingRetryAfter))
	c.JSON(http.StatusAccepted, &GeneratingResponse{
		Status:     "generating",
		RetryAfter: generatingRetryAfter,
	})
}

// getNotesHandler handles GET /api/quiz/notes/:lesson_id.
func (s *Server) getNotesHandler(c *gin.Context) {
	notes, err := s.cfg.Quizzes.GetNotes(c.Request.Context(), principal(c), c.Param("lesson_id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, notes)
}
