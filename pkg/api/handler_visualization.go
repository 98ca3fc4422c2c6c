package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chalklabs/chalk/pkg/models"
)

// processVisualizationHandler handles POST /api/visualizations/process.
// Runs validation, placement, animation reconciliation and audio
// truncation over the submitted scenes, persists the result and returns
// it. A payload that fails validation is still persisted for diagnosis
// but reported as 400 with the validation errors in the envelope.
func (s *Server) processVisualizationHandler(c *gin.Context) {
	// 1. Bind HTTP request
	var req ProcessVisualizationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "validation", "request body is not valid JSON")
		return
	}
	if req.LessonID == "" {
		writeError(c, http.StatusBadRequest, "validation", "lesson_id field is required")
		return
	}

	// 2. Call service
	viz, err := s.cfg.Visualizations.Process(c.Request.Context(), principal(c), req.LessonID, req.Scenes)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	// 3. Return response
	if viz.Status == models.VizInvalid {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_input",
			Message: "visualization payload failed validation",
			Details: map[string]any{
				"visualization_id": viz.ID,
				"errors":           viz.Errors,
				"warnings":         viz.Warnings,
			},
		})
		return
	}
	c.JSON(http.StatusOK, viz)
}

// getVisualizationHandler handles GET /api/visualizations/:id.
func (s *Server) getVisualizationHandler(c *gin.Context) {
	viz, err := s.cfg.Visualizations.Get(c.Request.Context(), principal(c), c.Param("id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, viz)
}

// latestVisualizationHandler handles GET /api/visualizations/lesson/:lesson_id.
// While the pipeline is still producing the first visualization for a
// live lesson this returns 202 with a retry hint.
func (s *Server) latestVisualizationHandler(c *gin.Context) {
	viz, err := s.cfg.Visualizations.LatestForLesson(c.Request.Context(), principal(c), c.Param("lesson_id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, viz)
}
