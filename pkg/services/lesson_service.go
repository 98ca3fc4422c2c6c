package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chalklabs/chalk/pkg/events"
	"github.com/chalklabs/chalk/pkg/generator"
	"github.com/chalklabs/chalk/pkg/metrics"
	"github.com/chalklabs/chalk/pkg/models"
	"github.com/chalklabs/chalk/pkg/store"
)

// LessonStore is the slice of the lessons store the service needs.
type LessonStore interface {
	CreateGenerating(ctx context.Context, l *models.Lesson) error
	SetReady(ctx context.Context, id string, content *models.LessonContent) error
	SetFailed(ctx context.Context, id, reason string) error
	Get(ctx context.Context, id string) (*models.Lesson, error)
	GetByDocument(ctx context.Context, documentID string) (*models.Lesson, error)
	ListByUser(ctx context.Context, userID string) ([]*models.Lesson, error)
	SoftDelete(ctx context.Context, id string) error
}

// LessonDocuments is the slice of the documents store lesson generation
// reads from, plus the tombstone used by the delete cascade.
type LessonDocuments interface {
	Get(ctx context.Context, id string) (*models.Document, error)
	ListPages(ctx context.Context, documentID string) ([]models.Page, error)
	Cancel(ctx context.Context, id string) error
	SoftDelete(ctx context.Context, id string) error
}

// LessonEvents is the slice of the publisher the service emits on.
type LessonEvents interface {
	PublishLessonReady(ctx context.Context, payload events.LessonReadyPayload) error
	PublishLessonFailed(ctx context.Context, payload events.LessonFailedPayload) error
}

// LessonService turns ingested documents into lessons. It consumes
// document.ingested events and owns the lesson read side.
type LessonService struct {
	lessons LessonStore
	docs    LessonDocuments
	gen     generator.Generator
	events  LessonEvents
	now     func() time.Time
}

// NewLessonService creates a new LessonService.
func NewLessonService(lessons LessonStore, docs LessonDocuments, gen generator.Generator, ev LessonEvents) *LessonService {
	return &LessonService{
		lessons: lessons,
		docs:    docs,
		gen:     gen,
		events:  ev,
		now:     time.Now,
	}
}

// HandleDocumentIngested is the document.ingested consumer entrypoint.
// Returning an error leaves the offset uncommitted so the event is
// redelivered; anything unrecoverable is swallowed after being recorded.
func (s *LessonService) HandleDocumentIngested(ctx context.Context, evt models.Event) error {
	var payload events.DocumentIngestedPayload
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		slog.Error("Dropping malformed document.ingested event", "event_id", evt.ID, "error", err)
		return nil
	}
	if payload.DocumentID == "" {
		slog.Error("Dropping document.ingested event without document_id", "event_id", evt.ID)
		return nil
	}
	return s.GenerateForDocument(ctx, payload.DocumentID)
}

// GenerateForDocument produces the lesson for a document. It is idempotent
// on document_id: an existing lesson in any state means another delivery or
// pod already handled it.
func (s *LessonService) GenerateForDocument(ctx context.Context, documentID string) error {
	existing, err := s.lessons.GetByDocument(ctx, documentID)
	if err == nil {
		switch existing.Status {
		case models.LessonGenerating:
			slog.Info("Lesson already generating, skipping",
				"document_id", documentID, "lesson_id", existing.ID)
		case models.LessonFailed:
			// Failed stays failed; regeneration takes a fresh upload.
			slog.Info("Lesson previously failed, skipping",
				"document_id", documentID, "lesson_id", existing.ID)
		default:
			slog.Info("Lesson already exists, skipping",
				"document_id", documentID, "lesson_id", existing.ID)
		}
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to check for existing lesson: %w", err)
	}

	doc, err := s.docs.Get(ctx, documentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.Warn("Document gone before lesson generation", "document_id", documentID)
			return nil
		}
		return fmt.Errorf("failed to get document: %w", err)
	}
	if doc.Status != models.DocumentReady {
		slog.Warn("Document not ready, skipping lesson generation",
			"document_id", documentID, "status", doc.Status)
		return nil
	}

	pages, err := s.docs.ListPages(ctx, documentID)
	if err != nil {
		return fmt.Errorf("failed to list pages: %w", err)
	}
	imageRefs := make([]string, 0, len(pages))
	for _, page := range pages {
		if page.ImageRef != "" {
			imageRefs = append(imageRefs, page.ImageRef)
		}
	}

	lesson := &models.Lesson{
		ID:         uuid.NewString(),
		DocumentID: documentID,
		UserID:     doc.UserID,
		Status:     models.LessonGenerating,
		CreatedAt:  s.now(),
	}
	if err := s.lessons.CreateGenerating(ctx, lesson); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Another pod claimed the document between our check and insert.
			slog.Info("Lost lesson claim race", "document_id", documentID)
			return nil
		}
		return fmt.Errorf("failed to claim lesson generation: %w", err)
	}

	slog.Info("Generating lesson",
		"lesson_id", lesson.ID, "document_id", documentID, "pages", len(pages))

	content, err := s.gen.GenerateLesson(ctx, generator.LessonRequest{
		DocumentID: documentID,
		TitleHint:  doc.Filename,
		Text:       doc.ExtractedText,
		ImageRefs:  imageRefs,
	})
	if err != nil {
		metrics.RecordGeneratorCall("lesson", "error")
		slog.Error("Lesson generation failed",
			"lesson_id", lesson.ID, "document_id", documentID, "error", err)
		if err := s.lessons.SetFailed(ctx, lesson.ID, err.Error()); err != nil {
			return fmt.Errorf("failed to record lesson failure: %w", err)
		}
		s.publishFailed(ctx, doc, err.Error())
		return nil
	}

	if err := s.lessons.SetReady(ctx, lesson.ID, content); err != nil {
		return fmt.Errorf("failed to store lesson: %w", err)
	}
	metrics.RecordGeneratorCall("lesson", "ok")
	slog.Info("Lesson ready",
		"lesson_id", lesson.ID, "document_id", documentID,
		"title", content.Title, "sections", len(content.Sections))

	s.publishReady(ctx, lesson.ID, doc, content.Title)
	return nil
}

// publishReady announces the lesson with a short retry: the row is already
// ready, so a lost publish would silently skip visualization generation.
func (s *LessonService) publishReady(ctx context.Context, lessonID string, doc *models.Document, title string) {
	payload := events.LessonReadyPayload{
		BasePayload: events.BasePayload{UserID: doc.UserID},
		LessonID:    lessonID,
		DocumentID:  doc.ID,
		Title:       title,
	}
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = s.events.PublishLessonReady(ctx, payload); err == nil {
			return
		}
		time.Sleep(time.Duration(attempt+1) * 500 * time.Millisecond)
	}
	slog.Error("Failed to publish lesson.ready", "lesson_id", lessonID, "error", err)
}

func (s *LessonService) publishFailed(ctx context.Context, doc *models.Document, reason string) {
	err := s.events.PublishLessonFailed(ctx, events.LessonFailedPayload{
		BasePayload: events.BasePayload{UserID: doc.UserID},
		DocumentID:  doc.ID,
		Reason:      reason,
	})
	if err != nil {
		slog.Warn("Failed to publish lesson.failed", "document_id", doc.ID, "error", err)
	}
}

// Get fetches a lesson by id. The upload's document id doubles as the
// client-visible handle while the pipeline runs, so it is accepted too.
func (s *LessonService) Get(ctx context.Context, p *models.Principal, id string) (*models.Lesson, error) {
	lesson, err := s.lessons.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		lesson, err = s.byDocument(ctx, id)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get lesson: %w", err)
	}
	if err := requireOwner(p, lesson.UserID); err != nil {
		return nil, err
	}
	return lesson, nil
}

// byDocument resolves a document id to its live lesson. GetByDocument sees
// tombstones for idempotency checks; readers must not.
func (s *LessonService) byDocument(ctx context.Context, documentID string) (*models.Lesson, error) {
	lesson, err := s.lessons.GetByDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if lesson.DeletedAt != nil {
		return nil, store.ErrNotFound
	}
	return lesson, nil
}

// History lists the user's lessons, newest first.
func (s *LessonService) History(ctx context.Context, p *models.Principal, userID string) ([]*models.Lesson, error) {
	if err := requireOwner(p, userID); err != nil {
		return nil, err
	}
	lessons, err := s.lessons.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list lessons: %w", err)
	}
	return lessons, nil
}

// Delete tombstones the lesson, its derived artifacts and its source
// document. When the id belongs to a document that never produced a lesson
// (still extracting, failed, cancelled), the document alone is deleted.
func (s *LessonService) Delete(ctx context.Context, p *models.Principal, id string) error {
	lesson, err := s.lessons.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		lesson, err = s.byDocument(ctx, id)
	}
	if err == nil {
		return s.deleteLesson(ctx, p, lesson)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to get lesson: %w", err)
	}
	return s.deleteBareDocument(ctx, p, id)
}

func (s *LessonService) deleteLesson(ctx context.Context, p *models.Principal, lesson *models.Lesson) error {
	if err := requireOwner(p, lesson.UserID); err != nil {
		return err
	}
	if err := s.lessons.SoftDelete(ctx, lesson.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete lesson: %w", err)
	}
	if err := s.docs.SoftDelete(ctx, lesson.DocumentID); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Warn("Failed to delete source document",
			"lesson_id", lesson.ID, "document_id", lesson.DocumentID, "error", err)
	}
	slog.Info("Lesson deleted", "lesson_id", lesson.ID, "user_id", lesson.UserID)
	return nil
}

func (s *LessonService) deleteBareDocument(ctx context.Context, p *models.Principal, documentID string) error {
	doc, err := s.docs.Get(ctx, documentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get document: %w", err)
	}
	if err := requireOwner(p, doc.UserID); err != nil {
		return err
	}
	if !doc.Status.Terminal() {
		// The claiming worker notices the cancelled row through its
		// heartbeat conflict, so this works across pods.
		if err := s.docs.Cancel(ctx, documentID); err != nil && !errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("failed to cancel document: %w", err)
		}
	}
	if err := s.docs.SoftDelete(ctx, documentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete document: %w", err)
	}
	slog.Info("Document deleted with no lesson", "document_id", documentID, "user_id", doc.UserID)
	return nil
}
