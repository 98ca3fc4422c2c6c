package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chalklabs/chalk/pkg/models"
)

// getLessonHandler handles GET /api/lessons/:id.
// The id may be a lesson id or the originating document id; the service
// resolves either.
func (s *Server) getLessonHandler(c *gin.Context) {
	lesson, err := s.cfg.Lessons.Get(c.Request.Context(), principal(c), c.Param("id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, lesson)
}

// lessonHistoryHandler handles GET /api/lessons/user/:user_id/history.
func (s *Server) lessonHistoryHandler(c *gin.Context) {
	lessons, err := s.cfg.Lessons.History(c.Request.Context(), principal(c), c.Param("user_id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if lessons == nil {
		lessons = []*models.Lesson{}
	}
	c.JSON(http.StatusOK, &LessonListResponse{Lessons: lessons})
}

// deleteLessonHandler handles DELETE /api/lessons/:id.
// Deletion cascades to the source document and derived artifacts.
func (s *Server) deleteLessonHandler(c *gin.Context) {
	if err := s.cfg.Lessons.Delete(c.Request.Context(), principal(c), c.Param("id")); err != nil {
		writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
