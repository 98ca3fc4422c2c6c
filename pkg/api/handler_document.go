package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chalklabs/chalk/pkg/metrics"
	"github.com/chalklabs/chalk/pkg/models"
)

// multipartSlack is headroom on top of the upload cap for multipart
// boundaries and the user_id field, so a file exactly at the cap still
// parses and oversize files fail in the service with a clean validation
// error rather than a connection reset.
const multipartSlack = 1 << 20

// uploadHandler handles POST /api/lessons/upload.
// Accepts a single PDF as multipart form data and queues it for
// extraction. The response carries the new document id, which the client
// uses as the lesson id from here on.
func (s *Server) uploadHandler(c *gin.Context) {
	// 1. Bound the request body before any parsing touches it
	maxBytes := s.cfg.Documents.MaxUploadBytes() + multipartSlack
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)

	// 2. Parse multipart form
	userID := c.PostForm("user_id")
	fileHeader, err := c.FormFile("file")
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			metrics.RecordUpload("too_large")
			writeError(c, http.StatusBadRequest, "validation", "file exceeds the upload size limit")
			return
		}
		writeError(c, http.StatusBadRequest, "validation", "file field is required")
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		writeError(c, http.StatusBadRequest, "validation", "file could not be read")
		return
	}
	defer file.Close()

	// 3. Call service
	doc, err := s.cfg.Documents.Upload(c.Request.Context(), principal(c), userID, fileHeader.Filename, file)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	// 4. Return response
	c.JSON(http.StatusAccepted, &UploadResponse{
		LessonID:   doc.ID,
		DocumentID: doc.ID,
		Status:     string(doc.Status),
		Progress:   doc.Progress,
	})
}

// documentStatusHandler handles GET /api/lessons/:id/status.
func (s *Server) documentStatusHandler(c *gin.Context) {
	doc, err := s.cfg.Documents.Status(c.Request.Context(), principal(c), c.Param("id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, &StatusResponse{
		Status:        string(doc.Status),
		Progress:      doc.Progress,
		FailureReason: doc.FailureReason,
	})
}

// stopDocumentHandler handles POST /api/lessons/:id/stop.
// Cancellation is checked between pages, so the worker may finish the
// page in flight before the status flips.
func (s *Server) stopDocumentHandler(c *gin.Context) {
	id := c.Param("id")
	if err := s.cfg.Documents.Stop(c.Request.Context(), principal(c), id); err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, &StopResponse{
		LessonID: id,
		Status:   string(models.DocumentCancelled),
	})
}
