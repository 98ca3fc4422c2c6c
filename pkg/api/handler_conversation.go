package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chalklabs/chalk/pkg/models"
)

// listConversationsHandler handles GET /api/conversations/?user_id=.
// Without an explicit user_id the caller's own conversations are listed.
func (s *Server) listConversationsHandler(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		if p := principal(c); p != nil {
			userID = p.UserID
		}
	}
	conversations, err := s.cfg.Conversations.List(c.Request.Context(), principal(c), userID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if conversations == nil {
		conversations = []*models.Conversation{}
	}
	c.JSON(http.StatusOK, &ConversationListResponse{Conversations: conversations})
}

// createConversationHandler handles POST /api/conversations/.
func (s *Server) createConversationHandler(c *gin.Context) {
	// 1. Bind HTTP request
	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "validation", "request body is not valid JSON")
		return
	}

	// 2. Call service
	conversation, err := s.cfg.Conversations.Create(c.Request.Context(), principal(c), req.UserID, req.Title)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	// 3. Return response
	c.JSON(http.StatusCreated, conversation)
}

// renameConversationHandler handles POST /api/conversations/:id/rename/.
func (s *Server) renameConversationHandler(c *gin.Context) {
	// 1. Bind HTTP request
	var req RenameConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "validation", "request body is not valid JSON")
		return
	}
	if req.Title == "" {
		writeError(c, http.StatusBadRequest, "validation", "title field is required")
		return
	}

	// 2. Call service
	if err := s.cfg.Conversations.Rename(c.Request.Context(), principal(c), c.Param("id"), req.Title); err != nil {
		writeServiceError(c, err)
		return
	}

	// 3. Return response
	c.JSON(http.StatusOK, &MessageResponse{Message: "conversation renamed"})
}

// deleteConversationHandler handles DELETE /api/conversations/:id/delete/.
// Soft-deletes the conversation only; the attached lesson survives.
func (s *Server) deleteConversationHandler(c *gin.Context) {
	if err := s.cfg.Conversations.Delete(c.Request.Context(), principal(c), c.Param("id")); err != nil {
		writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// attachLessonHandler handles POST /api/conversations/:id/attach-lesson.
func (s *Server) attachLessonHandler(c *gin.Context) {
	// 1. Bind HTTP request
	var req AttachLessonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "validation", "request body is not valid JSON")
		return
	}
	if req.LessonID == "" {
		writeError(c, http.StatusBadRequest, "validation", "lesson_id field is required")
		return
	}

	// 2. Call service
	if err := s.cfg.Conversations.AttachLesson(c.Request.Context(), principal(c), c.Param("id"), req.LessonID); err != nil {
		writeServiceError(c, err)
		return
	}

	// 3. Return response
	c.JSON(http.StatusOK, &MessageResponse{Message: "lesson attached"})
}

// createSessionHandler handles POST /api/conversations/:id/sessions.
// Mints the session id the client presents on /ws/teaching/:session_id.
func (s *Server) createSessionHandler(c *gin.Context) {
	session, err := s.cfg.Conversations.CreateSession(c.Request.Context(), principal(c), c.Param("id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}
